package driver

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow"
)

// HealthConfig configures dead connection detection. whatsmeow only
// recovers half-open sockets when it owns reconnection, so with the
// session manager in charge the driver reports such drops itself.
type HealthConfig struct {
	// CheckInterval is how often the connection is checked.
	// Default: 30s
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxKeepAliveFailure is how long keepalive pings may keep failing
	// before the session is reported as dropped.
	// Default: 3m
	MaxKeepAliveFailure time.Duration `yaml:"max_keepalive_failure"`
}

// DefaultHealthConfig returns the health monitor defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:       30 * time.Second,
		MaxKeepAliveFailure: whatsmeow.KeepAliveMaxFailTime,
	}
}

func (h HealthConfig) withDefaults() HealthConfig {
	defaults := DefaultHealthConfig()
	if h.CheckInterval <= 0 {
		h.CheckInterval = defaults.CheckInterval
	}
	if h.MaxKeepAliveFailure <= 0 {
		h.MaxKeepAliveFailure = defaults.MaxKeepAliveFailure
	}
	return h
}

// startHealthMonitor checks the connection periodically until ctx is
// cancelled.
func (w *WhatsApp) startHealthMonitor(ctx context.Context) {
	cfg := w.cfg.Health
	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()

		w.logger.Debug("whatsapp: health monitor started",
			"check_interval", cfg.CheckInterval,
			"max_keepalive_failure", cfg.MaxKeepAliveFailure)

		for {
			select {
			case <-ctx.Done():
				w.logger.Debug("whatsapp: health monitor stopped")
				return
			case now := <-ticker.C:
				w.performHealthCheck(now)
			}
		}
	}()
}

// performHealthCheck reports a drop when a live session lost its socket
// or its keepalives have been failing for too long.
func (w *WhatsApp) performHealthCheck(now time.Time) {
	if !w.connected.Load() {
		return
	}

	if client := w.client.Load(); client != nil && !client.IsConnected() {
		w.logger.Error("whatsapp: client reports disconnected but session is live")
		w.drop("health_check")
		return
	}

	w.checkKeepAlive(now)
}

// checkKeepAlive drops the session once keepalives failed longer than
// MaxKeepAliveFailure.
func (w *WhatsApp) checkKeepAlive(now time.Time) {
	since := w.keepAliveFailingSince.Load()
	if since == 0 {
		return
	}
	silent := now.Sub(time.Unix(0, since))
	if silent <= w.cfg.Health.MaxKeepAliveFailure {
		return
	}
	w.logger.Error("whatsapp: keepalive failing too long, dropping session",
		"silent", silent,
		"max", w.cfg.Health.MaxKeepAliveFailure)
	w.drop("keepalive_timeout")
}

// drop reports the session as disconnected, once per driver.
func (w *WhatsApp) drop(reason string) {
	w.connected.Store(false)
	if !w.dropped.CompareAndSwap(false, true) {
		return
	}
	w.emit(Event{Type: EventDisconnected, Reason: reason})
}
