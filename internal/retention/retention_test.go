package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mapTarget is a minimal keyed store for scheduler tests.
type mapTarget struct {
	mu      sync.Mutex
	name    string
	entries map[string]time.Time
}

func newMapTarget(name string) *mapTarget {
	return &mapTarget{name: name, entries: make(map[string]time.Time)}
}

func (m *mapTarget) Name() string { return m.name }

func (m *mapTarget) PruneBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, last := range m.entries {
		if last.Before(cutoff) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *mapTarget) add(key string, last time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = last
}

func (m *mapTarget) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestScheduler_SweepRemovesOnlyIdleState(t *testing.T) {
	s := NewScheduler(zerolog.Nop(), time.Hour, 24*time.Hour)
	target := newMapTarget("profiles")
	s.Add(target)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	target.add("stale", now.Add(-25*time.Hour))
	target.add("edge", now.Add(-23*time.Hour))
	target.add("fresh", now.Add(-time.Minute))

	removed := s.Sweep(now)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if target.len() != 2 {
		t.Errorf("surviving entries = %d, want 2", target.len())
	}
}

func TestScheduler_SweepCoversAllTargets(t *testing.T) {
	s := NewScheduler(zerolog.Nop(), time.Hour, 24*time.Hour)
	a := newMapTarget("a")
	b := newMapTarget("b")
	s.Add(a)
	s.Add(b)

	now := time.Now().UTC()
	a.add("x", now.Add(-48*time.Hour))
	b.add("y", now.Add(-48*time.Hour))

	if removed := s.Sweep(now); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
}

func TestScheduler_DefaultsOnNonPositiveValues(t *testing.T) {
	s := NewScheduler(zerolog.Nop(), 0, 0)
	if s.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", s.interval)
	}
	if s.maxAge != 24*time.Hour {
		t.Errorf("maxAge = %v, want 24h", s.maxAge)
	}
}

func TestScheduler_StatsTrackSweeps(t *testing.T) {
	s := NewScheduler(zerolog.Nop(), time.Hour, 24*time.Hour)
	target := newMapTarget("profiles")
	target.add("stale", time.Now().Add(-48*time.Hour))
	s.Add(target)

	now := time.Now().UTC()
	s.Sweep(now)

	stats := s.Stats()
	if stats["sweeps"].(int64) != 1 {
		t.Errorf("sweeps = %v, want 1", stats["sweeps"])
	}
	if stats["last_removed"].(int) != 1 {
		t.Errorf("last_removed = %v, want 1", stats["last_removed"])
	}
	if stats["targets"].(int) != 1 {
		t.Errorf("targets = %v, want 1", stats["targets"])
	}
}

func TestScheduler_LoopStopsOnCancel(t *testing.T) {
	s := NewScheduler(zerolog.Nop(), 10*time.Millisecond, 24*time.Hour)
	target := newMapTarget("profiles")
	target.add("stale", time.Now().Add(-48*time.Hour))
	s.Add(target)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for target.len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if target.len() != 0 {
		t.Fatal("background loop never swept the stale entry")
	}

	cancel()
	// After cancellation no further sweeps run.
	time.Sleep(30 * time.Millisecond)
	target.add("stale2", time.Now().Add(-48*time.Hour))
	time.Sleep(50 * time.Millisecond)
	if target.len() != 1 {
		t.Error("sweep ran after context cancellation")
	}
}
