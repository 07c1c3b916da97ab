package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedTokenGenerator_ReturnsSameToken(t *testing.T) {
	gen := NewFixedTokenGenerator("tok-123")

	assert.Equal(t, "tok-123", gen.Generate())
	assert.Equal(t, "tok-123", gen.Generate())
}

func TestFixedTokenGenerator_EmptyTokenDefault(t *testing.T) {
	gen := NewFixedTokenGenerator("")
	assert.Equal(t, "test-token-default", gen.Generate())
}

func TestFixedTokenGenerator_ThreadSafe(t *testing.T) {
	gen := NewFixedTokenGenerator("thread-safe-token")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Equal(t, "thread-safe-token", gen.Generate())
			}
		}()
	}
	wg.Wait()
}
