package core

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Detector is the interface all aegisd detectors implement. Evaluate is
// called on the submitter's goroutine and must not block; it returns the
// violations triggered by this event, possibly none.
type Detector interface {
	// Name returns the unique name of the detector.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// Kinds returns the event kinds this detector handles. The registry
	// uses this to avoid dispatching irrelevant events.
	Kinds() []EventKind
	// Evaluate records the event and scores it against the detector's
	// thresholds.
	Evaluate(event *Event) []*Violation
	// Observe records the event without scoring. Used while analysis is
	// suspended: state keeps accumulating but nothing is emitted.
	Observe(event *Event)
}

// StateExporter is implemented by detectors that support forensic dumps of
// their keyed state.
type StateExporter interface {
	ExportState() interface{}
}

// StatsReporter is implemented by detectors that expose tracking counters.
type StatsReporter interface {
	Stats() map[string]interface{}
}

// DetectorRegistry manages detector registration and event routing.
type DetectorRegistry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	order     []string
	logger    zerolog.Logger
	kindIndex map[EventKind][]Detector

	metrics *RegistryMetrics
}

// RegistryMetrics tracks event routing counters.
type RegistryMetrics struct {
	mu             sync.Mutex
	EventsRouted   int64
	EventsByKind   map[EventKind]int64
	DetectorPanics map[string]int64
	RoutingSkipped int64
}

// NewDetectorRegistry creates a new DetectorRegistry.
func NewDetectorRegistry(logger zerolog.Logger) *DetectorRegistry {
	return &DetectorRegistry{
		detectors: make(map[string]Detector),
		order:     make([]string, 0),
		logger:    logger.With().Str("component", "detector_registry").Logger(),
		kindIndex: make(map[EventKind][]Detector),
		metrics: &RegistryMetrics{
			EventsByKind:   make(map[EventKind]int64),
			DetectorPanics: make(map[string]int64),
		},
	}
}

// Register adds a detector to the registry.
func (r *DetectorRegistry) Register(d Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Name()
	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.detectors[name] = d
	r.order = append(r.order, name)
	for _, k := range d.Kinds() {
		r.kindIndex[k] = append(r.kindIndex[k], d)
	}

	r.logger.Info().Str("detector", name).Int("kinds", len(d.Kinds())).Msg("detector registered")
	return nil
}

// RouteEvent dispatches an event to the detectors interested in its kind
// and collects their violations. Each dispatch is wrapped in a recover()
// so a panicking detector cannot crash the submitter: the worst outcome of
// a detection failure is a missed detection.
func (r *DetectorRegistry) RouteEvent(event *Event) []*Violation {
	r.mu.RLock()
	detectors := r.kindIndex[event.Kind]
	r.mu.RUnlock()

	r.metrics.mu.Lock()
	r.metrics.EventsRouted++
	r.metrics.EventsByKind[event.Kind]++
	r.metrics.mu.Unlock()

	if len(detectors) == 0 {
		r.metrics.mu.Lock()
		r.metrics.RoutingSkipped++
		r.metrics.mu.Unlock()
		return nil
	}

	var violations []*Violation
	for _, d := range detectors {
		violations = append(violations, r.safeEvaluate(d, event)...)
	}
	return violations
}

// RouteObserve dispatches an event for state recording only, with no
// scoring. Used while analysis is suspended.
func (r *DetectorRegistry) RouteObserve(event *Event) {
	r.mu.RLock()
	detectors := r.kindIndex[event.Kind]
	r.mu.RUnlock()

	for _, d := range detectors {
		r.safeObserve(d, event)
	}
}

func (r *DetectorRegistry) safeEvaluate(d Detector, event *Event) (violations []*Violation) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("detector", d.Name()).
				Str("event_id", event.ID).
				Str("kind", string(event.Kind)).
				Interface("panic", rec).
				Msg("detector panicked during evaluation")
			r.metrics.mu.Lock()
			r.metrics.DetectorPanics[d.Name()]++
			r.metrics.mu.Unlock()
			violations = nil
		}
	}()
	return d.Evaluate(event)
}

func (r *DetectorRegistry) safeObserve(d Detector, event *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("detector", d.Name()).
				Str("event_id", event.ID).
				Interface("panic", rec).
				Msg("detector panicked during observe")
			r.metrics.mu.Lock()
			r.metrics.DetectorPanics[d.Name()]++
			r.metrics.mu.Unlock()
		}
	}()
	d.Observe(event)
}

// Get returns a detector by name.
func (r *DetectorRegistry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// All returns all registered detectors in registration order.
func (r *DetectorRegistry) All() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Detector, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.detectors[name])
	}
	return result
}

// Count returns the number of registered detectors.
func (r *DetectorRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.detectors)
}

// GetMetrics returns a snapshot of routing metrics.
func (r *DetectorRegistry) GetMetrics() map[string]interface{} {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()

	byKind := make(map[string]int64, len(r.metrics.EventsByKind))
	for k, v := range r.metrics.EventsByKind {
		byKind[string(k)] = v
	}
	panics := make(map[string]int64, len(r.metrics.DetectorPanics))
	for k, v := range r.metrics.DetectorPanics {
		panics[k] = v
	}
	return map[string]interface{}{
		"events_routed":   r.metrics.EventsRouted,
		"events_by_kind":  byKind,
		"detector_panics": panics,
		"routing_skipped": r.metrics.RoutingSkipped,
	}
}
