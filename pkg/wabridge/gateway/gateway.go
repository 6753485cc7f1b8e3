// Package gateway exposes the session over a small HTTP control surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

// Config holds the HTTP surface configuration.
type Config struct {
	// Address is the listen address. Default: ":8085"
	Address string `yaml:"address"`

	// Prefix is prepended to every session route. Default: "/api/whatsapp"
	Prefix string `yaml:"prefix"`

	// AuthToken enables bearer authentication when set.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins ("*" allows any).
	CORSOrigins []string `yaml:"cors_origins"`

	// RequestTimeout bounds the work done for one request.
	// Default: 15s
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Address:        ":8085",
		Prefix:         "/api/whatsapp",
		RequestTimeout: 15 * time.Second,
	}
}

// SessionManager is the session surface the gateway serves.
type SessionManager interface {
	Status() session.Status
	Contacts() []contacts.Contact
	Initialize(ctx context.Context) error
	Refresh(ctx context.Context) ([]contacts.Contact, error)
	Send(ctx context.Context, to, text string) error
	Logout(ctx context.Context) error
	AddObserver(obs session.Observer)
}

// Gateway is the HTTP control surface.
type Gateway struct {
	manager   SessionManager
	config    Config
	server    *http.Server
	handler   http.Handler
	events    *eventHub
	validate  *validator.Validate
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway and subscribes it to phase changes.
func New(manager SessionManager, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "/" {
		cfg.Prefix = ""
	}

	g := &Gateway{
		manager:   manager,
		config:    cfg,
		events:    newEventHub(),
		validate:  newValidator(),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
	manager.AddObserver(g.events)
	g.handler = g.routes()
	return g
}

// Handler returns the fully wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) routes() http.Handler {
	r := mux.NewRouter()

	// Health (always public)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix(g.config.Prefix).Subrouter()
	if g.config.Prefix == "" {
		api = r
	}
	api.HandleFunc("/status", g.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/pairing", g.handlePairing).Methods(http.MethodGet)
	api.HandleFunc("/initialize", g.handleInitialize).Methods(http.MethodPost)
	api.HandleFunc("/contacts", g.handleContacts).Methods(http.MethodGet)
	api.HandleFunc("/contacts/refresh", g.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/send", g.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/logout", g.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/events", g.handleEvents).Methods(http.MethodGet)

	// A subrouter resolves its own misses; without handlers there a method
	// mismatch under the prefix would surface as the root's 404.
	setErrorHandlers(r)
	if api != r {
		setErrorHandlers(api)
	}

	return g.requestIDMiddleware(g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(r))))
}

func setErrorHandlers(r *mux.Router) {
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", g.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Address, err)
	}

	g.server = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String(), "prefix", g.config.Prefix)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.events.close()
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
