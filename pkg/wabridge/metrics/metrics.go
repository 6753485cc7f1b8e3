// Package metrics exposes Prometheus collectors for the session bridge.
// Collectors register on the default registry and are served by the
// gateway at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionPhase is 1 for the current session phase and 0 for the rest.
	SessionPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wabridge_session_phase",
		Help: "Current session phase (1 = active)",
	}, []string{"phase"})

	// PhaseTransitions counts state machine transitions.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_phase_transitions_total",
		Help: "Total session phase transitions by source and target phase",
	}, []string{"from", "to"})

	// ContactSyncs counts contact synchronizations by result.
	ContactSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_contact_sync_total",
		Help: "Total contact synchronizations by result",
	}, []string{"result"})

	// Contacts is the size of the cached contact snapshot.
	Contacts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wabridge_contacts",
		Help: "Number of contacts in the cached snapshot",
	})

	// ProfilePictureFailures counts swallowed profile picture lookups.
	ProfilePictureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_profile_picture_failures_total",
		Help: "Total failed profile picture lookups during enrichment",
	})

	// MessagesSent counts outbound sends by mode (live, degraded).
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_messages_sent_total",
		Help: "Total outbound messages accepted by mode",
	}, []string{"mode"})
)

// RecordPhase moves the phase gauge from previous to current and counts
// the transition.
func RecordPhase(previous, current string) {
	if previous != "" {
		SessionPhase.WithLabelValues(previous).Set(0)
		PhaseTransitions.WithLabelValues(previous, current).Inc()
	}
	SessionPhase.WithLabelValues(current).Set(1)
}
