package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// userInfoBatch bounds the JIDs sent in one user info query.
const userInfoBatch = 50

// Config holds the WhatsApp driver configuration.
type Config struct {
	// Path overrides the session database location. A directory gets
	// session.db appended. Empty means discovery.
	Path string `yaml:"path"`

	// DeviceName is shown in the phone's linked devices list.
	// Default: "wabridge"
	DeviceName string `yaml:"device_name"`

	// Health configures dead connection detection.
	Health HealthConfig `yaml:"health"`
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		DeviceName: "wabridge",
		Health:     DefaultHealthConfig(),
	}
}

// NewFactory returns a Factory producing WhatsApp drivers. The session
// database path is resolved on every call so a directory that becomes
// writable later is picked up by the next start.
func NewFactory(cfg Config, logger *slog.Logger) Factory {
	return func(_ context.Context) (Driver, error) {
		path, err := Resolve(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewWhatsApp(cfg, path, logger), nil
	}
}

// WhatsApp is a Driver backed by whatsmeow.
type WhatsApp struct {
	cfg    Config
	dbPath string
	logger *slog.Logger

	// mu guards sink and container.
	mu        sync.Mutex
	sink      Sink
	container *sqlstore.Container

	client atomic.Pointer[whatsmeow.Client]

	// authenticated is set once the session is known to be paired.
	authenticated atomic.Bool

	// connected is true between Connected and the first drop.
	connected atomic.Bool

	// dropped makes the disconnect report one-shot.
	dropped atomic.Bool

	// keepAliveFailingSince is the last keepalive success (unix nanos)
	// while pings are failing, zero otherwise.
	keepAliveFailingSince atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewWhatsApp creates an unstarted driver using the given session database.
func NewWhatsApp(cfg Config, dbPath string, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "wabridge"
	}
	cfg.Health = cfg.Health.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &WhatsApp{
		cfg:    cfg,
		dbPath: dbPath,
		logger: logger.With("component", "whatsapp"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the session store and connects. A new device begins the QR
// pairing flow in the background; a restored device reports authenticated
// immediately and connects. Any failure releases the session store.
func (w *WhatsApp) Start(ctx context.Context, sink Sink) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	if sink == nil {
		sink = func(Event) {}
	}
	w.mu.Lock()
	w.sink = sink
	w.mu.Unlock()

	w.logger.Info("whatsapp: opening session store", "path", w.dbPath)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.dbPath),
		newLogAdapter(w.logger, "store"))
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	if err := w.setStore(container); err != nil {
		return err
	}

	device, err := getDevice(ctx, container)
	if err != nil {
		w.releaseStore()
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, newLogAdapter(w.logger, "client"))
	client.AddEventHandler(w.handleEvent)
	// Reconnects are supervised by the session manager, so dead sockets
	// are detected by the health monitor instead of whatsmeow.
	client.EnableAutoReconnect = false
	w.client.Store(client)

	fail := func(err error) error {
		client.Disconnect()
		w.releaseStore()
		return err
	}

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(w.ctx)
		if err != nil {
			return fail(fmt.Errorf("getting QR channel: %w", err))
		}
		if err := client.Connect(); err != nil {
			return fail(fmt.Errorf("connecting for QR: %w", err))
		}
		w.logger.Info("whatsapp: no existing session, waiting for pairing")
		go w.watchQR(qrChan)
	} else {
		w.markAuthenticated("restored")
		if err := client.Connect(); err != nil {
			return fail(fmt.Errorf("connecting: %w", err))
		}
		w.logger.Info("whatsapp: connecting with existing session", "jid", w.SelfID())
	}

	if w.ctx.Err() != nil {
		return fail(ErrClosed)
	}
	w.startHealthMonitor(w.ctx)
	return nil
}

// FetchContacts returns every address book entry known to the session
// store, enriched with status text and business flags where available.
func (w *WhatsApp) FetchContacts(ctx context.Context) ([]contacts.RawContact, error) {
	client := w.client.Load()
	if client == nil {
		return nil, ErrNotStarted
	}

	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading contacts: %w", err)
	}

	jids := make([]types.JID, 0, len(all))
	for jid := range all {
		if !isGroupLike(jid) {
			jids = append(jids, jid)
		}
	}
	infos := w.userInfo(ctx, client, jids)

	self := w.SelfID()
	out := make([]contacts.RawContact, 0, len(all))
	for jid, info := range all {
		id := jid.ToNonAD().String()
		c := contacts.Contact{
			ID:             id,
			PhoneNumber:    phoneNumber(jid),
			DisplayName:    displayName(info),
			IsKnownContact: info.Found && (info.FullName != "" || info.FirstName != ""),
		}
		if ui, ok := infos[jid]; ok {
			c.StatusText = ui.Status
			c.IsBusinessAccount = ui.VerifiedName != nil
		}
		if info.BusinessName != "" {
			c.IsBusinessAccount = true
		}
		out = append(out, contacts.RawContact{
			Contact: c,
			IsGroup: isGroupLike(jid),
			IsSelf:  self != "" && id == self,
		})
	}
	return out, nil
}

// userInfo queries status and verification in batches. Failures only cost
// the enrichment, so they are logged and skipped.
func (w *WhatsApp) userInfo(ctx context.Context, client *whatsmeow.Client, jids []types.JID) map[types.JID]types.UserInfo {
	out := make(map[types.JID]types.UserInfo, len(jids))
	for start := 0; start < len(jids); start += userInfoBatch {
		end := min(start+userInfoBatch, len(jids))
		batch, err := client.GetUserInfo(ctx, jids[start:end])
		if err != nil {
			w.logger.Debug("whatsapp: user info batch failed", "size", end-start, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for jid, info := range batch {
			out[jid] = info
		}
	}
	return out
}

// ProfilePictureURL returns the preview picture URL for a contact.
func (w *WhatsApp) ProfilePictureURL(ctx context.Context, id string) (string, error) {
	client := w.client.Load()
	if client == nil {
		return "", ErrNotStarted
	}
	jid, err := parseJID(id)
	if err != nil {
		return "", fmt.Errorf("invalid JID %q: %w", id, err)
	}

	info, err := client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("profile picture: %w", err)
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

// SelfID returns the paired account's ID without device part.
func (w *WhatsApp) SelfID() string {
	if client := w.client.Load(); client != nil && client.Store.ID != nil {
		return client.Store.ID.ToNonAD().String()
	}
	return ""
}

// Send sends a text message.
func (w *WhatsApp) Send(ctx context.Context, to, text string) error {
	client := w.client.Load()
	if client == nil || !client.IsLoggedIn() {
		return ErrNotStarted
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Logout logs out remotely. When the server call fails the local session
// is still deleted so the next start pairs again.
func (w *WhatsApp) Logout(ctx context.Context) error {
	client := w.client.Load()
	if client == nil {
		return nil
	}

	if err := client.Logout(ctx); err != nil {
		w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		client.Disconnect()
		if client.Store != nil {
			if delErr := client.Store.Delete(ctx); delErr != nil {
				w.logger.Warn("whatsapp: failed to delete store", "error", delErr)
				return fmt.Errorf("deleting session: %w", delErr)
			}
		}
	}

	w.authenticated.Store(false)
	w.logger.Info("whatsapp: logged out, session cleared")
	return nil
}

// Close disconnects, stops event delivery and releases the session store.
// Safe to call more than once.
func (w *WhatsApp) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		if client := w.client.Load(); client != nil {
			client.Disconnect()
		}
		w.releaseStore()
		w.logger.Debug("whatsapp: closed")
	})
	return nil
}

// setStore records the opened store, or closes it when the driver was
// closed while it was being opened.
func (w *WhatsApp) setStore(container *sqlstore.Container) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		_ = container.Close()
		return ErrClosed
	}
	w.container = container
	return nil
}

func (w *WhatsApp) releaseStore() {
	w.mu.Lock()
	container := w.container
	w.container = nil
	w.mu.Unlock()

	if container == nil {
		return
	}
	if err := container.Close(); err != nil {
		w.logger.Warn("whatsapp: closing session store", "error", err)
	}
}

// getDevice retrieves an existing device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// displayName picks the best available name for an address book entry.
func displayName(info types.ContactInfo) string {
	for _, name := range []string{info.FullName, info.FirstName, info.BusinessName, info.PushName} {
		if name != "" {
			return name
		}
	}
	return ""
}

// emit forwards an event unless the driver was closed.
func (w *WhatsApp) emit(evt Event) {
	if w.ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	sink := w.sink
	w.mu.Unlock()
	if sink == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	sink(evt)
}
