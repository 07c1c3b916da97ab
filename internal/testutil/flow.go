package testutil

// FixedTokenGenerator returns the same write token every time.
//
// With a fixed token, write IDs depend only on (item, kind, user, value,
// attempt), so a scenario replayed with the same steps produces identical
// IDs and golden traces.
//
// Thread-safety: stateless and safe for concurrent use.
type FixedTokenGenerator struct {
	token string
}

// NewFixedTokenGenerator creates a generator for token.
// If token is empty, Generate returns "test-token-default".
func NewFixedTokenGenerator(token string) *FixedTokenGenerator {
	if token == "" {
		token = "test-token-default"
	}
	return &FixedTokenGenerator{token: token}
}

// Generate returns the fixed token. Implements engine.TokenGenerator.
func (g *FixedTokenGenerator) Generate() string {
	return g.token
}
