// Package simulator is the stand-in used when no live session can be
// started. It produces a stable, clearly synthetic contact list and accepts
// outbound sends without delivering them, so services depending on the
// bridge keep working in sandboxed hosts.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
)

// DefaultCount is the number of synthetic contacts generated.
const DefaultCount = 15

// DefaultSeed seeds the generator when none is configured.
const DefaultSeed int64 = 42

// namespace scopes the deterministic contact IDs.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("wabridge:simulator"))

var firstNames = []string{
	"Ana", "Bruno", "Carla", "Daniel", "Eduarda", "Felipe", "Gabriela",
	"Henrique", "Isabela", "João", "Larissa", "Marcos", "Natália", "Otávio",
	"Paula", "Rafael", "Sofia", "Thiago", "Vanessa", "William",
}

var lastNames = []string{
	"Almeida", "Barbosa", "Cardoso", "Dias", "Esteves", "Ferreira", "Gomes",
	"Lima", "Martins", "Nunes", "Oliveira", "Pereira", "Ribeiro", "Souza",
}

var statuses = []string{
	"Hey there! I am using WhatsApp.",
	"Available",
	"Busy",
	"At work",
	"In a meeting",
	"Battery about to die",
	"Can't talk, WhatsApp only",
	"Sleeping",
	"At the gym",
	"Urgent calls only",
	"",
}

// Options configures the simulator.
type Options struct {
	// Count is the number of synthetic contacts. Default: 15
	Count int `yaml:"count"`

	// Seed makes generation reproducible. Default: 42
	Seed int64 `yaml:"seed"`
}

// DefaultOptions returns the simulator defaults.
func DefaultOptions() Options {
	return Options{Count: DefaultCount, Seed: DefaultSeed}
}

// Simulator serves the degraded-mode contact set and send sink.
type Simulator struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	generated []contacts.Contact

	sent atomic.Int64
}

// New creates a Simulator. Nothing is generated until Contacts is called.
func New(opts Options, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Count <= 0 {
		opts.Count = DefaultCount
	}
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	return &Simulator{
		opts:   opts,
		logger: logger.With("component", "simulator"),
	}
}

// Contacts returns the synthetic contact set, generating it on first use.
// Later calls return copies of the same set.
func (s *Simulator) Contacts() []contacts.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generated == nil {
		s.generated = Generate(s.opts.Count, s.opts.Seed)
		s.logger.Info("simulator: generated synthetic contacts", "count", len(s.generated))
	}
	out := make([]contacts.Contact, len(s.generated))
	copy(out, s.generated)
	return out
}

// Send accepts an outbound message without delivering it.
func (s *Simulator) Send(_ context.Context, to, message string) error {
	n := s.sent.Add(1)
	s.logger.Info("simulator: message accepted (not delivered)",
		"to", to,
		"length", len(message),
		"sent", n)
	return nil
}

// SentCount returns how many messages were accepted since the last Reset.
func (s *Simulator) SentCount() int64 {
	return s.sent.Load()
}

// Reset drops the cached contact set and zeroes the send counter.
func (s *Simulator) Reset() {
	s.mu.Lock()
	s.generated = nil
	s.mu.Unlock()
	s.sent.Store(0)
	s.logger.Info("simulator: reset")
}

// Generate builds count synthetic contacts from the fixed name and status
// pools. The same count and seed always yield the same list. Phone numbers
// use the fictional 555-01xx range and IDs carry a "sim" server so they are
// never mistaken for remote data.
func Generate(count int, seed int64) []contacts.Contact {
	if count <= 0 {
		count = DefaultCount
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))

	used := make(map[string]struct{}, count)
	list := make([]contacts.Contact, 0, count)
	for i := 0; i < count; i++ {
		name := pickName(rng, used, i)
		phone := fmt.Sprintf("+1555%04d%03d", 100+i%100, rng.IntN(1000))
		id := uuid.NewSHA1(namespace, fmt.Appendf(nil, "%d/%d", seed, i)).String() + "@sim"

		list = append(list, contacts.Contact{
			ID:                id,
			PhoneNumber:       phone,
			DisplayName:       name,
			IsKnownContact:    rng.Float64() < 0.6,
			StatusText:        statuses[rng.IntN(len(statuses))],
			IsBusinessAccount: rng.Float64() < 0.15,
		})
	}
	contacts.Sort(list)
	return list
}

// pickName draws an unused "First Last" pair. After a bounded number of
// collisions it appends the index instead.
func pickName(rng *rand.Rand, used map[string]struct{}, i int) string {
	for attempt := 0; attempt < 8; attempt++ {
		name := firstNames[rng.IntN(len(firstNames))] + " " + lastNames[rng.IntN(len(lastNames))]
		if _, taken := used[name]; !taken {
			used[name] = struct{}{}
			return name
		}
	}
	name := fmt.Sprintf("%s %s %d", firstNames[i%len(firstNames)], lastNames[i%len(lastNames)], i)
	used[name] = struct{}{}
	return name
}
