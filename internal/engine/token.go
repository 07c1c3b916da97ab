package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TokenGenerator produces write tokens. A token is mixed into each write's
// idempotency key so two engine instances never collide.
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 tokens.
// Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a hyphenated UUIDv7.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined tokens, cycling with a numeric
// suffix once exhausted, so tests get stable write IDs.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	if len(tokens) == 0 {
		tokens = []string{"token"}
	}
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next token.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.idx
	g.idx++
	if i < len(g.tokens) {
		return g.tokens[i]
	}
	return fmt.Sprintf("%s-%d", g.tokens[len(g.tokens)-1], i)
}
