package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EffectLog records how request effects run: the order in which they
// started and the highest number that ever overlapped.
//
// Use Writer/Reader to build effects that register themselves with the log
// and hold for a short time, widening any race the gate fails to prevent.
//
// Thread-safety: all methods are safe for concurrent use.
type EffectLog struct {
	mu            sync.Mutex
	order         []string
	active        int
	maxActive     int
	activeByGroup map[string]int
	maxByGroup    map[string]int
}

// NewEffectLog creates an empty EffectLog.
func NewEffectLog() *EffectLog {
	return &EffectLog{
		activeByGroup: make(map[string]int),
		maxByGroup:    make(map[string]int),
	}
}

// Run records label as started, sleeps for hold, then records it as done.
// Overlap is counted globally and per group.
func (l *EffectLog) Run(ctx context.Context, group, label string, hold time.Duration) error {
	l.mu.Lock()
	l.order = append(l.order, label)
	l.active++
	if l.active > l.maxActive {
		l.maxActive = l.active
	}
	l.activeByGroup[group]++
	if l.activeByGroup[group] > l.maxByGroup[group] {
		l.maxByGroup[group] = l.activeByGroup[group]
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.active--
		l.activeByGroup[group]--
		l.mu.Unlock()
	}()

	if hold <= 0 {
		return nil
	}
	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Writer returns an effect for writer seq that reports into the log under
// the "writers" group and responds with "w<seq>".
func (l *EffectLog) Writer(seq uint64, hold time.Duration) func(context.Context) ([]byte, error) {
	label := fmt.Sprintf("w%d", seq)
	return func(ctx context.Context) ([]byte, error) {
		if err := l.Run(ctx, "writers", label, hold); err != nil {
			return nil, err
		}
		return []byte(label), nil
	}
}

// Reader returns an effect for a reader of resource that reports into the
// log under the group "r:<resource>" and responds with "r:<resource>".
func (l *EffectLog) Reader(resource string, hold time.Duration) func(context.Context) ([]byte, error) {
	label := "r:" + resource
	return func(ctx context.Context) ([]byte, error) {
		if err := l.Run(ctx, label, label, hold); err != nil {
			return nil, err
		}
		return []byte(label), nil
	}
}

// Order returns the labels in start order.
func (l *EffectLog) Order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// MaxConcurrent returns the highest number of effects that overlapped.
func (l *EffectLog) MaxConcurrent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxActive
}

// MaxConcurrentIn returns the highest overlap within one group.
func (l *EffectLog) MaxConcurrentIn(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxByGroup[group]
}
