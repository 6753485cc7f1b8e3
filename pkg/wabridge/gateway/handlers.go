package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/skip2/go-qrcode"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// qrSize is the rendered pairing image edge in pixels.
const qrSize = 256

type statusResponse struct {
	IsReady            bool          `json:"isReady"`
	IsAuthenticated    bool          `json:"isAuthenticated"`
	HasPairingArtifact bool          `json:"hasPairingArtifact"`
	ContactCount       int           `json:"contactCount"`
	Phase              session.Phase `json:"phase"`
	IsDegraded         bool          `json:"isDegraded"`
	LastTransitionAt   time.Time     `json:"lastTransitionAt"`
}

type pairingResponse struct {
	Authenticated bool   `json:"authenticated"`
	PairingImage  string `json:"pairingImage,omitempty"`
	PairingToken  string `json:"pairingToken,omitempty"`
	Message       string `json:"message,omitempty"`
}

type contactsResponse struct {
	Contacts   []contacts.Contact `json:"contacts"`
	Total      int                `json:"total"`
	Status     string             `json:"status"`
	IsDegraded bool               `json:"isDegraded"`
}

type notConnectedResponse struct {
	Error     string        `json:"error"`
	NeedsAuth bool          `json:"needsAuth"`
	Status    session.Phase `json:"status"`
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required"`
	Message     string `json:"message" validate:"required"`
}

type successResponse struct {
	Success    bool   `json:"success"`
	IsDegraded bool   `json:"isDegraded,omitempty"`
	Error      string `json:"error,omitempty"`
}

// newValidator reports field names as they appear in JSON.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := g.manager.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"phase":      st.Phase,
		"degraded":   st.IsDegraded,
		"uptime_sec": int(time.Since(g.startedAt).Seconds()),
	})
}

// handleStatus implements GET {prefix}/status
func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := g.manager.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		IsReady:            st.IsReady(),
		IsAuthenticated:    st.IsAuthenticated(),
		HasPairingArtifact: st.HasPairingArtifact,
		ContactCount:       st.ContactCount,
		Phase:              st.Phase,
		IsDegraded:         st.IsDegraded,
		LastTransitionAt:   st.LastTransitionAt,
	})
}

// handlePairing implements GET {prefix}/pairing
func (g *Gateway) handlePairing(w http.ResponseWriter, _ *http.Request) {
	st := g.manager.Status()
	switch {
	case st.IsDegraded:
		// Nothing was paired; the simulator stands in for the session.
		writeJSON(w, http.StatusOK, pairingResponse{Message: "degraded"})
	case st.IsAuthenticated():
		writeJSON(w, http.StatusOK, pairingResponse{Authenticated: true})
	case st.HasPairingArtifact:
		img, err := renderPairingImage(st.PairingArtifact)
		if err != nil {
			g.logger.Error("gateway: rendering pairing image", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to render pairing image")
			return
		}
		writeJSON(w, http.StatusOK, pairingResponse{
			PairingImage: img,
			PairingToken: st.PairingArtifact,
		})
	default:
		writeJSON(w, http.StatusOK, pairingResponse{Message: "initializing"})
	}
}

// renderPairingImage encodes the artifact as a PNG QR code data URL.
func renderPairingImage(artifact string) (string, error) {
	png, err := qrcode.Encode(artifact, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encoding QR: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// handleInitialize implements POST {prefix}/initialize
func (g *Gateway) handleInitialize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := g.requestContext(r)
	defer cancel()

	if err := g.manager.Initialize(ctx); err != nil {
		g.logger.Warn("gateway: initialize interrupted", "error", err)
		writeJSON(w, http.StatusGatewayTimeout, successResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleContacts implements GET {prefix}/contacts
func (g *Gateway) handleContacts(w http.ResponseWriter, _ *http.Request) {
	st := g.manager.Status()
	if !st.IsReady() {
		g.writeNotConnected(w, st)
		return
	}
	g.writeContacts(w, g.manager.Contacts(), st)
}

// handleRefresh implements POST {prefix}/contacts/refresh
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := g.requestContext(r)
	defer cancel()

	list, err := g.manager.Refresh(ctx)
	switch {
	case errors.Is(err, session.ErrNotConnected):
		g.writeNotConnected(w, g.manager.Status())
	case err != nil:
		g.logger.Warn("gateway: contact refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "contact refresh failed")
	default:
		g.writeContacts(w, list, g.manager.Status())
	}
}

// handleSend implements POST {prefix}/send
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if err := g.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ctx, cancel := g.requestContext(r)
	defer cancel()

	err := g.manager.Send(ctx, req.PhoneNumber, req.Message)
	switch {
	case errors.Is(err, session.ErrNotConnected):
		g.writeNotConnected(w, g.manager.Status())
	case err != nil:
		g.logger.Warn("gateway: send failed", "error", err)
		writeJSON(w, http.StatusBadGateway, successResponse{Error: "send failed"})
	default:
		writeJSON(w, http.StatusOK, successResponse{Success: true, IsDegraded: g.manager.Status().IsDegraded})
	}
}

// handleLogout implements POST {prefix}/logout
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := g.requestContext(r)
	defer cancel()

	if err := g.manager.Logout(ctx); err != nil {
		g.logger.Warn("gateway: logout failed", "error", err)
		writeJSON(w, http.StatusBadGateway, successResponse{Error: "logout failed"})
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (g *Gateway) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), g.config.RequestTimeout)
}

func (g *Gateway) writeContacts(w http.ResponseWriter, list []contacts.Contact, st session.Status) {
	if list == nil {
		list = []contacts.Contact{}
	}
	writeJSON(w, http.StatusOK, contactsResponse{
		Contacts:   list,
		Total:      len(list),
		Status:     "connected",
		IsDegraded: st.IsDegraded,
	})
}

func (g *Gateway) writeNotConnected(w http.ResponseWriter, st session.Status) {
	writeJSON(w, http.StatusServiceUnavailable, notConnectedResponse{
		Error:     "WhatsApp not connected",
		NeedsAuth: !st.IsAuthenticated(),
		Status:    st.Phase,
	})
}

// validationMessage turns validator errors into "field is required" text.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
