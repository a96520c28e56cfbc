package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedSeqSource(t *testing.T) {
	src := FixedSeqSource{Start: 41}
	assert.Equal(t, uint64(41), src.InitialSeq())
	assert.Equal(t, uint64(41), src.InitialSeq())
}

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("")
	assert.Equal(t, "session-1", ids.Generate())
	assert.Equal(t, "session-2", ids.Generate())

	ids.Reset()
	assert.Equal(t, "session-1", ids.Generate())

	custom := NewSequentialIDs("s")
	assert.Equal(t, "s-1", custom.Generate())
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	ids := NewSequentialIDs("x")
	const goroutines = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ids.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines, "every ID should be unique")
}

func TestEffectLog_TracksOverlap(t *testing.T) {
	p := NewEffectLog()

	var wg sync.WaitGroup
	for _, res := range []string{"a", "b"} {
		wg.Add(1)
		go func(res string) {
			defer wg.Done()
			_, err := p.Reader(res, 50*time.Millisecond)(context.Background())
			assert.NoError(t, err)
		}(res)
	}
	wg.Wait()

	assert.Equal(t, 2, p.MaxConcurrent())
	assert.Equal(t, 1, p.MaxConcurrentIn("r:a"))
	assert.ElementsMatch(t, []string{"r:a", "r:b"}, p.Order())
}

func TestEffectLog_WriterResponse(t *testing.T) {
	p := NewEffectLog()

	body, err := p.Writer(7, 0)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "w7", string(body))
	assert.Equal(t, []string{"w7"}, p.Order())
	assert.Equal(t, 1, p.MaxConcurrentIn("writers"))
}

func TestEffectLog_Cancelled(t *testing.T) {
	p := NewEffectLog()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Writer(1, time.Second)(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
