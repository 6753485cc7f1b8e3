package driver

import (
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		w.logger.Info("whatsapp: pairing confirmed", "jid", evt.ID.String(), "platform", evt.Platform)
		w.markAuthenticated("paired")

	case *events.Connected:
		// A fresh pairing can reconnect before PairSuccess is seen.
		w.markAuthenticated("connected")
		w.connected.Store(true)
		w.keepAliveFailingSince.Store(0)
		w.logger.Info("whatsapp: connected", "jid", w.SelfID())
		w.emit(Event{Type: EventReady})

	case *events.Disconnected:
		w.logger.Warn("whatsapp: disconnected")
		w.drop("connection_lost")

	case *events.StreamReplaced:
		w.logger.Error("whatsapp: stream replaced - another device connected")
		w.drop("stream_replaced")

	case *events.LoggedOut:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		w.logger.Error("whatsapp: logged out remotely", "reason", reason, "on_connect", evt.OnConnect)
		w.authenticated.Store(false)
		w.connected.Store(false)
		w.dropped.Store(true)
		w.emit(Event{Type: EventLoggedOut, Reason: reason})

	case *events.TemporaryBan:
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code.String(), "expire", evt.Expire)
		w.drop("temporary_ban")

	case *events.ConnectFailure:
		w.logger.Error("whatsapp: connect failure", "reason", evt.Reason.String(), "message", evt.Message)
		w.drop(fmt.Sprintf("connect_failure: %s", evt.Reason.String()))

	case *events.StreamError:
		w.logger.Error("whatsapp: stream error", "code", evt.Code)
		w.drop("stream_error")

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keepalive timeout", "error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
		if evt.LastSuccess.IsZero() {
			return
		}
		w.keepAliveFailingSince.CompareAndSwap(0, evt.LastSuccess.UnixNano())
		w.checkKeepAlive(time.Now())

	case *events.KeepAliveRestored:
		w.keepAliveFailingSince.Store(0)
		w.logger.Info("whatsapp: keepalive restored")
	}
}

// watchQR forwards pairing codes until the pairing flow ends.
func (w *WhatsApp) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	attempts := 0
	for {
		select {
		case <-w.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				attempts++
				w.logger.Info("whatsapp: pairing code ready", "attempt", attempts)
				w.emit(Event{Type: EventPairingCode, Code: evt.Code})

			case "success":
				w.markAuthenticated("paired")
				return

			case "timeout":
				w.logger.Warn("whatsapp: pairing code expired")
				w.drop("pairing_timeout")
				return

			default:
				if evt.Error != nil {
					w.logger.Error("whatsapp: pairing error", "error", evt.Error)
					w.drop("pairing_error")
					return
				}
				w.logger.Debug("whatsapp: pairing event", "event", evt.Event)
			}
		}
	}
}

// markAuthenticated reports authentication once per driver.
func (w *WhatsApp) markAuthenticated(how string) {
	if w.authenticated.CompareAndSwap(false, true) {
		w.logger.Info("whatsapp: authenticated", "via", how)
		w.emit(Event{Type: EventAuthenticated, Reason: how})
	}
}
