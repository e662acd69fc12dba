package generation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextCancelsPrevious(t *testing.T) {
	var s Source
	first := s.Next()
	assert.False(t, first.Canceled())

	second := s.Next()
	assert.True(t, first.Canceled())
	assert.False(t, second.Canceled())
	assert.Greater(t, second.Generation(), first.Generation())

	s.Cancel()
	assert.True(t, second.Canceled())
}

func TestZeroTokenIsCanceled(t *testing.T) {
	assert.True(t, Token{}.Canceled())
}

func TestConcurrentNextLeavesOneLive(t *testing.T) {
	var s Source
	tokens := make([]Token, 50)
	var wg sync.WaitGroup
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i] = s.Next()
		}(i)
	}
	wg.Wait()

	live := 0
	for _, tok := range tokens {
		if !tok.Canceled() {
			live++
		}
	}
	assert.Equal(t, 1, live)
}
