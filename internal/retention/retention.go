// Package retention bounds memory growth of per-key detector state. The
// scheduler is the only component permitted to delete state; detectors
// only append and mutate.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Target is a keyed state store that can discard entries idle since a
// cutoff. PruneBefore returns how many entries were removed.
type Target interface {
	Name() string
	PruneBefore(cutoff time.Time) int
}

// Scheduler sweeps all registered targets on a fixed period, discarding
// entries whose most recent activity predates the max age.
type Scheduler struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	targets  []Target
	interval time.Duration
	maxAge   time.Duration

	sweeps      int64
	lastSweepAt time.Time
	lastRemoved int
}

// NewScheduler creates a scheduler sweeping every interval, removing state
// idle longer than maxAge. Non-positive values fall back to hourly sweeps
// and a 24 h max age.
func NewScheduler(logger zerolog.Logger, interval, maxAge time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Scheduler{
		logger:   logger.With().Str("component", "retention").Logger(),
		interval: interval,
		maxAge:   maxAge,
	}
}

// Add registers a target store for sweeping.
func (s *Scheduler) Add(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
	s.logger.Debug().Str("target", t.Name()).Msg("retention target registered")
}

// Start runs the sweep loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("max_age", s.maxAge).
		Msg("retention scheduler started")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

// Sweep prunes every registered target against now minus the max age.
// Exposed for tests and for forced sweeps from the API.
func (s *Scheduler) Sweep(now time.Time) int {
	s.mu.Lock()
	targets := append([]Target(nil), s.targets...)
	s.mu.Unlock()

	cutoff := now.Add(-s.maxAge)
	removed := 0
	for _, t := range targets {
		n := t.PruneBefore(cutoff)
		removed += n
		if n > 0 {
			s.logger.Debug().Str("target", t.Name()).Int("removed", n).Msg("pruned idle state")
		}
	}

	s.mu.Lock()
	s.sweeps++
	s.lastSweepAt = now
	s.lastRemoved = removed
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("retention sweep complete")
	}
	return removed
}

// Stats returns sweep counters for the status surface.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"targets":       len(s.targets),
		"sweeps":        s.sweeps,
		"last_sweep_at": s.lastSweepAt,
		"last_removed":  s.lastRemoved,
		"max_age":       s.maxAge.String(),
	}
}
