package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/jholhewres/wabridge/pkg/wabridge/metrics"
)

// DefaultEnrichLimit bounds how many contacts get a profile picture lookup
// per synchronization.
const DefaultEnrichLimit = 20

// ErrNoSource is returned when Synchronize is called without a source.
var ErrNoSource = errors.New("no contact source")

// PictureSource resolves profile picture references.
type PictureSource interface {
	// ProfilePictureURL returns the picture URL for a contact ID. An empty
	// URL with a nil error means the contact has no picture.
	ProfilePictureURL(ctx context.Context, id string) (string, error)
}

// Source is the remote side of a synchronization.
type Source interface {
	PictureSource

	// FetchContacts returns the full remote address book.
	FetchContacts(ctx context.Context) ([]RawContact, error)

	// SelfID returns the ID of the logged in account, or "".
	SelfID() string
}

// Options configures a Synchronizer.
type Options struct {
	// EnrichLimit is the maximum number of picture lookups per run.
	// Default: 20
	EnrichLimit int `yaml:"enrich_limit"`

	// EnrichInterval is the minimum spacing between picture lookups.
	// Zero disables pacing. Default: 250ms
	EnrichInterval time.Duration `yaml:"enrich_interval"`

	// EnrichBurst is the number of lookups allowed back to back.
	// Default: 1
	EnrichBurst int `yaml:"enrich_burst"`

	// SyncTimeout bounds a whole synchronization, enrichment included.
	// Default: 30s
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// DefaultOptions returns the synchronizer defaults.
func DefaultOptions() Options {
	return Options{
		EnrichLimit:    DefaultEnrichLimit,
		EnrichInterval: 250 * time.Millisecond,
		EnrichBurst:    1,
		SyncTimeout:    30 * time.Second,
	}
}

// Synchronizer fetches and normalizes the remote contact list. It holds no
// snapshot itself; the caller commits the returned list.
type Synchronizer struct {
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSynchronizer creates a Synchronizer, filling unset options with defaults.
func NewSynchronizer(opts Options, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.EnrichLimit <= 0 {
		opts.EnrichLimit = defaults.EnrichLimit
	}
	if opts.EnrichInterval < 0 {
		opts.EnrichInterval = 0
	}
	if opts.EnrichBurst <= 0 {
		opts.EnrichBurst = defaults.EnrichBurst
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaults.SyncTimeout
	}

	limit := rate.Inf
	if opts.EnrichInterval > 0 {
		limit = rate.Every(opts.EnrichInterval)
	}

	return &Synchronizer{
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.EnrichBurst),
		logger:  logger.With("component", "contacts"),
	}
}

// Options returns the effective options.
func (s *Synchronizer) Options() Options {
	return s.opts
}

// Synchronize fetches the remote list, normalizes it and enriches the first
// EnrichLimit entries. On error nothing is returned, so the caller's previous
// snapshot stays as it was.
func (s *Synchronizer) Synchronize(ctx context.Context, src Source) ([]Contact, error) {
	if src == nil {
		return nil, ErrNoSource
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SyncTimeout)
	defer cancel()

	start := time.Now()
	raw, err := src.FetchContacts(ctx)
	if err != nil {
		metrics.ContactSyncs.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetching contacts: %w", err)
	}

	list := Normalize(raw, src.SelfID())
	list = s.EnrichProfilePictures(ctx, src, list, s.opts.EnrichLimit)

	metrics.ContactSyncs.WithLabelValues("ok").Inc()
	s.logger.Info("contacts: synchronized",
		"raw", len(raw),
		"contacts", len(list),
		"duration", time.Since(start).Round(time.Millisecond))
	return list, nil
}

// EnrichProfilePictures looks up profile pictures for at most limit contacts,
// one at a time and paced by the request budget. A failed lookup leaves that
// contact's ProfilePictureURL unset and the loop moves on. The returned slice
// is a copy holding every input contact in the same order.
func (s *Synchronizer) EnrichProfilePictures(ctx context.Context, src PictureSource, list []Contact, limit int) []Contact {
	out := slices.Clone(list)
	if src == nil {
		return out
	}
	if limit <= 0 {
		limit = DefaultEnrichLimit
	}

	n := min(limit, len(out))
	for i := 0; i < n; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Debug("contacts: enrichment stopped", "done", i, "error", err)
			break
		}
		url, err := src.ProfilePictureURL(ctx, out[i].ID)
		if err != nil {
			metrics.ProfilePictureFailures.Inc()
			s.logger.Debug("contacts: profile picture lookup failed",
				"id", out[i].ID, "error", err)
			continue
		}
		out[i].ProfilePictureURL = url
	}
	return out
}
