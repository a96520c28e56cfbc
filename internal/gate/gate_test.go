package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txgate/internal/testutil"
)

// testConfig uses short timeouts so failure paths finish quickly.
func testConfig() Config {
	return Config{
		MaxWriters:                   5,
		MaxWaitingReadersPerResource: 3,
		ReorderTimeout:               100 * time.Millisecond,
		WriterWaitTimeout:            2 * time.Second,
		ReaderWaitTimeout:            time.Second,
	}
}

// runWriter enters, runs a logged effect, and exits, returning the
// admission error (if any).
func runWriter(g *Gate, effects *testutil.EffectLog, seq uint64, hold time.Duration) error {
	ctx := context.Background()
	if err := g.EnterWriter(ctx, seq); err != nil {
		return err
	}
	defer g.ExitWriter(seq)
	_, err := effects.Writer(seq, hold)(ctx)
	return err
}

func TestEnterWriter_InOrder(t *testing.T) {
	g := New(testConfig(), 0)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, g.EnterWriter(ctx, seq))
		assert.False(t, g.ExitWriter(seq))
	}

	assert.Equal(t, uint64(4), g.NextSeq())
	stats := g.Stats()
	assert.Equal(t, 0, stats.Writers)
	assert.Empty(t, stats.Pending)
}

func TestEnterWriter_OutOfOrderArrivalExecutesInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderTimeout = 500 * time.Millisecond
	g := New(cfg, 0)
	effects := testutil.NewEffectLog()

	arrivals := []struct {
		seq   uint64
		delay time.Duration
	}{
		{3, 0},
		{1, 40 * time.Millisecond},
		{2, 20 * time.Millisecond},
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(arrivals))
	for _, a := range arrivals {
		wg.Add(1)
		go func(seq uint64, delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			errs <- runWriter(g, effects, seq, 10*time.Millisecond)
		}(a.seq, a.delay)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"w1", "w2", "w3"}, effects.Order())
	assert.Equal(t, 1, effects.MaxConcurrentIn("writers"), "writer effects must never overlap")
	assert.False(t, g.Poisoned())
}

func TestEnterWriter_ConcurrentBurstNeverOverlaps(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWriters = 10
	cfg.ReorderTimeout = time.Second
	g := New(cfg, 100)
	effects := testutil.NewEffectLog()

	// Submit 101..108 in reverse order, all at once.
	var wg sync.WaitGroup
	for seq := uint64(108); seq >= 101; seq-- {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, runWriter(g, effects, seq, 5*time.Millisecond))
		}(seq)
	}
	wg.Wait()

	assert.Equal(t, []string{"w101", "w102", "w103", "w104", "w105", "w106", "w107", "w108"}, effects.Order())
	assert.Equal(t, 1, effects.MaxConcurrentIn("writers"))
}

func TestEnterWriter_StaleSeqRejected(t *testing.T) {
	g := New(testConfig(), 0)
	ctx := context.Background()

	require.NoError(t, g.EnterWriter(ctx, 1))
	g.ExitWriter(1)
	require.NoError(t, g.EnterWriter(ctx, 2))
	g.ExitWriter(2)

	err := g.EnterWriter(ctx, 1)
	require.Error(t, err)
	assert.True(t, IsOutOfSequence(err))
	assert.False(t, RequiresReload(err))
	assert.False(t, g.Poisoned(), "stale writers never poison")

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, uint64(1), ge.Seq)
	assert.Equal(t, PhaseAdmission, ge.Phase)

	stats := g.Stats()
	assert.Equal(t, 0, stats.Writers)
	assert.Equal(t, uint64(2), stats.LastAccepted)
}

func TestEnterWriter_DuplicateWhileHeld(t *testing.T) {
	g := New(testConfig(), 0)
	ctx := context.Background()

	require.NoError(t, g.EnterWriter(ctx, 1))
	defer g.ExitWriter(1)

	err := g.EnterWriter(ctx, 1)
	assert.True(t, IsOutOfSequence(err), "retry of an accepted writer must be dropped")
	assert.Equal(t, 1, g.Stats().Writers)
}

func TestEnterWriter_MissingPredecessorPoisons(t *testing.T) {
	cfg := testConfig()
	g := New(cfg, 3)
	ctx := context.Background()

	start := time.Now()
	err := g.EnterWriter(ctx, 5) // 4 never arrives
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, RequiresReload(err))
	assert.GreaterOrEqual(t, elapsed, cfg.ReorderTimeout)
	assert.True(t, g.Poisoned())

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, PhaseReorder, ge.Phase)
	assert.True(t, ge.Poisoned)

	// Subsequent writers fail immediately.
	start = time.Now()
	err = g.EnterWriter(ctx, 6)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), cfg.ReorderTimeout)

	stats := g.Stats()
	assert.Equal(t, 0, stats.Writers)
	assert.Empty(t, stats.Pending)
}

func TestEnterWriter_PoisonCascadesToWaitingWriters(t *testing.T) {
	g := New(testConfig(), 0)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, seq := range []uint64{2, 3, 4} { // 1 never arrives
		wg.Add(1)
		go func(i int, seq uint64) {
			defer wg.Done()
			errs[i] = g.EnterWriter(context.Background(), seq)
		}(i, seq)
	}
	wg.Wait()

	for i, err := range errs {
		assert.True(t, IsTimeout(err), "writer %d should fail with timeout, got %v", i, err)
	}
	assert.True(t, g.Poisoned())
	assert.Equal(t, 0, g.Stats().Writers)
}

func TestEnterWriter_NonMasterDoesNotPoison(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderTimeout = 30 * time.Millisecond
	g := New(cfg, 0)
	ctx := context.Background()
	effects := testutil.NewEffectLog()

	// Writer 1 holds the gate well past several reorder rounds.
	require.NoError(t, g.EnterWriter(ctx, 1))

	done := make(chan error, 1)
	go func() {
		done <- runWriter(g, effects, 3, 0)
	}()

	time.Sleep(5 * cfg.ReorderTimeout)
	assert.False(t, g.Poisoned(), "writer 3 is not the timeout master while 1 is pending")

	second := make(chan error, 1)
	go func() {
		second <- runWriter(g, effects, 2, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, g.ExitWriter(1))

	require.NoError(t, <-second)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"w2", "w3"}, effects.Order())
	assert.False(t, g.Poisoned())
}

func TestEnterWriter_ReorderTimeoutRestartsOnProgress(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderTimeout = 300 * time.Millisecond
	g := New(cfg, 0)
	effects := testutil.NewEffectLog()

	// 2 arrives after the first reorder round of 3 would have expired, but
	// within ReorderTimeout of 1 being accepted.
	arrivals := []struct {
		seq   uint64
		delay time.Duration
	}{
		{3, 0},
		{1, 200 * time.Millisecond},
		{2, 380 * time.Millisecond},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(arrivals))
	for i, a := range arrivals {
		wg.Add(1)
		go func(i int, seq uint64, delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			errs[i] = runWriter(g, effects, seq, 0)
		}(i, a.seq, a.delay)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", arrivals[i].seq)
	}
	assert.Equal(t, []string{"w1", "w2", "w3"}, effects.Order())
	assert.False(t, g.Poisoned())
	assert.Equal(t, uint64(4), g.NextSeq())
}

func TestEnterWriter_TurnTimeoutPoisons(t *testing.T) {
	cfg := testConfig()
	cfg.WriterWaitTimeout = 80 * time.Millisecond
	g := New(cfg, 0)
	ctx := context.Background()

	// 1 holds the gate while 2 is accepted and waits its turn.
	require.NoError(t, g.EnterWriter(ctx, 1))

	start := time.Now()
	err := g.EnterWriter(ctx, 2)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), cfg.WriterWaitTimeout)
	assert.True(t, IsTimeout(err))
	assert.True(t, RequiresReload(err))

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, PhaseTurn, ge.Phase)
	assert.Equal(t, uint64(2), ge.Seq)
	assert.True(t, ge.Poisoned)
	assert.True(t, g.Poisoned())

	stats := g.Stats()
	assert.Equal(t, 1, stats.Writers)
	assert.Equal(t, []uint64{1}, stats.Pending)
	assert.Equal(t, uint64(2), stats.LastAccepted, "2 was accepted before its turn expired")

	assert.True(t, g.ExitWriter(1))
	stats = g.Stats()
	assert.Equal(t, 0, stats.Writers)
	assert.Empty(t, stats.Pending)
}

func TestEnterWriter_TooManyRequestsPoisonsAndResetRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWriters = 2
	cfg.ReorderTimeout = time.Second
	g := New(cfg, 0)

	var wg sync.WaitGroup
	blocked := make([]error, 2)
	for i, seq := range []uint64{3, 4} { // both wait for 1 and 2
		wg.Add(1)
		go func(i int, seq uint64) {
			defer wg.Done()
			blocked[i] = g.EnterWriter(context.Background(), seq)
		}(i, seq)
	}
	require.Eventually(t, func() bool { return g.Stats().Writers == 2 }, time.Second, 5*time.Millisecond)

	err := g.EnterWriter(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, IsTooManyRequests(err))
	assert.True(t, RequiresReload(err))
	assert.True(t, g.Poisoned())

	wg.Wait()
	for _, err := range blocked {
		assert.True(t, IsTimeout(err), "blocked writers fail once the gate poisons, got %v", err)
	}

	next := g.Reset()
	assert.Equal(t, uint64(ResetSkip+1), next)
	assert.False(t, g.Poisoned())

	require.NoError(t, g.EnterWriter(context.Background(), next))
	assert.False(t, g.ExitWriter(next))
}

func TestExitWriter_ReportsPoisoning(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWriters = 1
	g := New(cfg, 0)
	ctx := context.Background()

	require.NoError(t, g.EnterWriter(ctx, 1))
	assert.True(t, IsTooManyRequests(g.EnterWriter(ctx, 2)))
	assert.True(t, g.ExitWriter(1), "holder must learn the gate was poisoned")
}

func TestEnterWriter_ContextCancelledWithdraws(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderTimeout = time.Second
	g := New(cfg, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.EnterWriter(ctx, 2)
	}()

	require.Eventually(t, func() bool { return g.Stats().Writers == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, CodeOf(err))
	assert.False(t, g.Poisoned(), "cancellation never poisons")

	stats := g.Stats()
	assert.Equal(t, 0, stats.Writers)
	assert.Empty(t, stats.Pending)
}

func TestEnterWriter_WaitsForReadersToDrain(t *testing.T) {
	g := New(testConfig(), 0)
	ctx := context.Background()

	handle, err := g.EnterReader(ctx, "page")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- g.EnterWriter(ctx, 1)
	}()

	select {
	case <-done:
		t.Fatal("writer admitted while a reader was active")
	case <-time.After(50 * time.Millisecond):
	}

	g.ExitReader(handle, "page")
	require.NoError(t, <-done)
	g.ExitWriter(1)
}

func TestEnterWriter_ReaderDrainTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.WriterWaitTimeout = 50 * time.Millisecond
	g := New(cfg, 0)
	ctx := context.Background()

	handle, err := g.EnterReader(ctx, "page")
	require.NoError(t, err)
	defer g.ExitReader(handle, "page")

	err = g.EnterWriter(ctx, 1)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, PhaseReaderDrain, ge.Phase)
	assert.False(t, g.Poisoned(), "reader drain timeout does not poison")
	assert.Equal(t, 0, g.Stats().Writers)
}

func TestEnterReader_DistinctResourcesOverlap(t *testing.T) {
	g := New(testConfig(), 0)
	effects := testutil.NewEffectLog()

	var wg sync.WaitGroup
	for _, res := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(res string) {
			defer wg.Done()
			key := ResourceKey(res)
			h, err := g.EnterReader(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			defer g.ExitReader(h, key)
			_, _ = effects.Reader(res, 100*time.Millisecond)(context.Background())
		}(res)
	}
	wg.Wait()

	assert.Greater(t, effects.MaxConcurrent(), 1, "readers of distinct resources may run together")
}

func TestEnterReader_SameResourceNeverOverlaps(t *testing.T) {
	g := New(testConfig(), 0)
	effects := testutil.NewEffectLog()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := g.EnterReader(context.Background(), "page")
			if !assert.NoError(t, err) {
				return
			}
			defer g.ExitReader(h, "page")
			_, _ = effects.Reader("page", 20*time.Millisecond)(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, effects.MaxConcurrentIn("r:page"))
	assert.Len(t, effects.Order(), 3)
}

func TestEnterReader_WaitsForWriter(t *testing.T) {
	g := New(testConfig(), 0)
	ctx := context.Background()

	require.NoError(t, g.EnterWriter(ctx, 1))

	done := make(chan uint64, 1)
	go func() {
		h, err := g.EnterReader(ctx, "page")
		if assert.NoError(t, err) {
			done <- h
			g.ExitReader(h, "page")
		}
	}()

	select {
	case <-done:
		t.Fatal("reader admitted while a writer held the gate")
	case <-time.After(50 * time.Millisecond):
	}

	g.ExitWriter(1)
	assert.Equal(t, uint64(1), <-done, "handle is lastAccepted at admission")
}

func TestEnterReader_QueueLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWaitingReadersPerResource = 1
	g := New(cfg, 0)
	ctx := context.Background()

	h, err := g.EnterReader(ctx, "page")
	require.NoError(t, err)

	queued := make(chan error, 1)
	go func() {
		h2, err := g.EnterReader(ctx, "page")
		if err == nil {
			g.ExitReader(h2, "page")
		}
		queued <- err
	}()
	require.Eventually(t, func() bool { return g.Stats().WaitingReaders == 1 }, time.Second, 5*time.Millisecond)

	_, err = g.EnterReader(ctx, "page")
	require.Error(t, err)
	assert.True(t, IsTooManyRequests(err))
	assert.False(t, g.Poisoned(), "reader overload does not poison writers")

	g.ExitReader(h, "page")
	require.NoError(t, <-queued)
	assert.Equal(t, 0, g.Stats().WaitingReaders)
}

func TestEnterReader_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReaderWaitTimeout = 50 * time.Millisecond
	g := New(cfg, 0)
	ctx := context.Background()

	h, err := g.EnterReader(ctx, "page")
	require.NoError(t, err)
	defer g.ExitReader(h, "page")

	_, err = g.EnterReader(ctx, "page")
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ResourceKey("page"), ge.Resource)

	stats := g.Stats()
	assert.Equal(t, 1, stats.Readers)
	assert.Equal(t, 0, stats.WaitingReaders, "timed-out reader leaves the queue")
}

func TestReset_RejectsOldEpoch(t *testing.T) {
	g := New(testConfig(), 40)
	ctx := context.Background()

	assert.Equal(t, uint64(41), g.NextSeq())
	next := g.Reset()
	assert.Equal(t, uint64(51), next)
	assert.Equal(t, next, g.NextSeq())

	assert.True(t, IsOutOfSequence(g.EnterWriter(ctx, 41)))
	require.NoError(t, g.EnterWriter(ctx, next))
	g.ExitWriter(next)
}

func TestReset_StaleWaiterRejected(t *testing.T) {
	cfg := testConfig()
	cfg.ReorderTimeout = time.Second
	g := New(cfg, 0)

	done := make(chan error, 1)
	go func() {
		done <- g.EnterWriter(context.Background(), 3)
	}()
	require.Eventually(t, func() bool { return g.Stats().Writers == 1 }, time.Second, 5*time.Millisecond)

	g.Reset()
	assert.True(t, IsOutOfSequence(<-done), "writer numbered in the old epoch must be dropped")
	assert.Equal(t, 0, g.Stats().Writers)
}

func TestResourceKeyOf_Normalizes(t *testing.T) {
	// "é" precomposed vs. "e" + combining acute accent.
	assert.Equal(t, ResourceKeyOf("caf\u00e9"), ResourceKeyOf(" cafe\u0301 "))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxWriters = 0
	cfg.ReorderTimeout = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max writers")
	assert.Contains(t, err.Error(), "reorder timeout")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.MaxWriters)
	assert.Equal(t, 3, cfg.MaxWaitingReadersPerResource)
	assert.Equal(t, 2500*time.Millisecond, cfg.ReorderTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriterWaitTimeout)
	assert.Equal(t, 15*time.Second, cfg.ReaderWaitTimeout)
}
