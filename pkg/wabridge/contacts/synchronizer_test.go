package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	mu       sync.Mutex
	raw      []RawContact
	self     string
	fetchErr error
	failOn   map[string]bool
	lookups  []string
}

func (s *stubSource) FetchContacts(context.Context) ([]RawContact, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.raw, nil
}

func (s *stubSource) SelfID() string { return s.self }

func (s *stubSource) ProfilePictureURL(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups = append(s.lookups, id)
	if s.failOn[id] {
		return "", fmt.Errorf("lookup %s: boom", id)
	}
	return "https://pps.example/" + id, nil
}

func newTestSynchronizer(opts Options) *Synchronizer {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewSynchronizer(opts, logger)
}

func TestNewSynchronizer(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		s := NewSynchronizer(Options{}, nil)
		assert.Equal(t, DefaultEnrichLimit, s.Options().EnrichLimit)
		assert.Equal(t, 1, s.Options().EnrichBurst)
		assert.Equal(t, DefaultOptions().SyncTimeout, s.Options().SyncTimeout)
	})

	t.Run("keeps explicit options", func(t *testing.T) {
		s := NewSynchronizer(Options{EnrichLimit: 3, EnrichBurst: 2}, nil)
		assert.Equal(t, 3, s.Options().EnrichLimit)
		assert.Equal(t, 2, s.Options().EnrichBurst)
	})
}

func TestSynchronize(t *testing.T) {
	ctx := context.Background()

	t.Run("filters, dedupes and sorts", func(t *testing.T) {
		src := &stubSource{
			self: "self@s.whatsapp.net",
			raw: []RawContact{
				{Contact: Contact{ID: "g@g.us", DisplayName: "Group"}, IsGroup: true},
				raw("self@s.whatsapp.net", "Me", true),
				raw("c@s.whatsapp.net", "carol", false),
				raw("b@s.whatsapp.net", "Bob", true),
				raw("c@s.whatsapp.net", "Carol again", false),
				raw("a@s.whatsapp.net", "alice", false),
			},
		}
		s := newTestSynchronizer(Options{EnrichLimit: 10})

		list, err := s.Synchronize(ctx, src)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "b@s.whatsapp.net", list[0].ID)
		assert.Equal(t, "a@s.whatsapp.net", list[1].ID)
		assert.Equal(t, "c@s.whatsapp.net", list[2].ID)
		assert.True(t, IsSorted(list))
		for _, c := range list {
			assert.Equal(t, "https://pps.example/"+c.ID, c.ProfilePictureURL)
		}
	})

	t.Run("fetch failure returns error", func(t *testing.T) {
		boom := errors.New("remote down")
		s := newTestSynchronizer(Options{})

		list, err := s.Synchronize(ctx, &stubSource{fetchErr: boom})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, list)
	})

	t.Run("nil source", func(t *testing.T) {
		s := newTestSynchronizer(Options{})
		_, err := s.Synchronize(ctx, nil)
		assert.ErrorIs(t, err, ErrNoSource)
	})
}

func TestEnrichProfilePictures(t *testing.T) {
	ctx := context.Background()

	list := make([]Contact, 5)
	for i := range list {
		list[i] = Contact{ID: fmt.Sprintf("c%d", i), DisplayName: fmt.Sprintf("Contact %d", i)}
	}

	t.Run("failure on one contact does not abort the batch", func(t *testing.T) {
		src := &stubSource{failOn: map[string]bool{"c2": true}}
		s := newTestSynchronizer(Options{})

		out := s.EnrichProfilePictures(ctx, src, list, 10)
		require.Len(t, out, len(list))
		for i, c := range out {
			assert.Equal(t, list[i].ID, c.ID)
			if c.ID == "c2" {
				assert.Empty(t, c.ProfilePictureURL)
				continue
			}
			assert.Equal(t, "https://pps.example/"+c.ID, c.ProfilePictureURL)
		}
		assert.Len(t, src.lookups, 5)
	})

	t.Run("respects the limit and keeps order", func(t *testing.T) {
		src := &stubSource{}
		s := newTestSynchronizer(Options{})

		out := s.EnrichProfilePictures(ctx, src, list, 2)
		require.Len(t, out, len(list))
		assert.Equal(t, []string{"c0", "c1"}, src.lookups)
		assert.NotEmpty(t, out[1].ProfilePictureURL)
		assert.Empty(t, out[2].ProfilePictureURL)
	})

	t.Run("does not mutate the input", func(t *testing.T) {
		s := newTestSynchronizer(Options{})
		_ = s.EnrichProfilePictures(ctx, &stubSource{}, list, 5)
		for _, c := range list {
			assert.Empty(t, c.ProfilePictureURL)
		}
	})

	t.Run("cancelled context stops lookups but returns every contact", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		src := &stubSource{}
		s := newTestSynchronizer(Options{})

		out := s.EnrichProfilePictures(cctx, src, list, 5)
		assert.Len(t, out, len(list))
		assert.Empty(t, src.lookups)
	})
}
