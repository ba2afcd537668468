package dedup

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeededKeysAreNotClaimable(t *testing.T) {
	t.Parallel()

	idx := New("tv-1", "", "tv-2")
	require.Equal(t, 2, idx.Len())
	assert.True(t, idx.Contains("tv-1"))
	assert.False(t, idx.Claim("tv-1"))
	assert.True(t, idx.Claim("tv-3"))
}

func TestClaimCommitRelease(t *testing.T) {
	t.Parallel()

	idx := New()
	require.True(t, idx.Claim("a"))
	assert.False(t, idx.Claim("a"), "in-flight key must not be claimed twice")
	assert.False(t, idx.Contains("a"))

	idx.Release("a")
	require.True(t, idx.Claim("a"))

	idx.Commit("a", "sku-a")
	assert.True(t, idx.Contains("a"))
	assert.True(t, idx.Contains("sku-a"))
	assert.False(t, idx.Claim("a"))
	assert.False(t, idx.Claim("sku-a"))
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	t.Parallel()

	idx := New()
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if idx.Claim("same") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
