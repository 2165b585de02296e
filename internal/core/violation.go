package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ViolationStatus tracks the triage lifecycle of an emitted violation.
type ViolationStatus int

const (
	ViolationStatusOpen ViolationStatus = iota
	ViolationStatusAcknowledged
	ViolationStatusResolved
	ViolationStatusFalsePositive
)

func (s ViolationStatus) String() string {
	switch s {
	case ViolationStatusOpen:
		return "OPEN"
	case ViolationStatusAcknowledged:
		return "ACKNOWLEDGED"
	case ViolationStatusResolved:
		return "RESOLVED"
	case ViolationStatusFalsePositive:
		return "FALSE_POSITIVE"
	default:
		return "UNKNOWN"
	}
}

func (s ViolationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseViolationStatus parses a status string, case-insensitively.
// "ACK" is accepted as shorthand for ACKNOWLEDGED.
func ParseViolationStatus(s string) (ViolationStatus, bool) {
	switch strings.ToUpper(s) {
	case "OPEN":
		return ViolationStatusOpen, true
	case "ACKNOWLEDGED", "ACK":
		return ViolationStatusAcknowledged, true
	case "RESOLVED":
		return ViolationStatusResolved, true
	case "FALSE_POSITIVE":
		return ViolationStatusFalsePositive, true
	}
	return ViolationStatusOpen, false
}

// Violation is the uniform record emitted when a detector threshold is
// crossed. It is the engine's only output; delivery and persistence belong
// to the consumers of the violation stream.
type Violation struct {
	ID          string                 `json:"id"`
	Detector    string                 `json:"detector"`
	Type        string                 `json:"type"`
	Severity    Severity               `json:"severity"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
	DetectedAt  time.Time              `json:"detected_at"`
	SourceIP    string                 `json:"source_ip,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	Status      ViolationStatus        `json:"status"`
}

// NewViolation constructs a violation record. It never fails: detection
// must never crash the caller's authentication path.
func NewViolation(detector, violationType string, severity Severity, description string) *Violation {
	return &Violation{
		ID:          uuid.New().String(),
		Detector:    detector,
		Type:        violationType,
		Severity:    severity,
		Description: description,
		Details:     make(map[string]interface{}),
		DetectedAt:  time.Now().UTC(),
		Status:      ViolationStatusOpen,
	}
}

// FromEvent copies the source context of the triggering event onto the
// violation and returns it.
func (v *Violation) FromEvent(event *Event) *Violation {
	if event == nil {
		return v
	}
	v.SourceIP = event.SourceIP
	v.TenantID = event.TenantID
	switch {
	case event.Auth != nil:
		v.SessionID = event.Auth.SessionID
	case event.Session != nil:
		v.SessionID = event.Session.SessionID
	}
	v.Details["event_id"] = event.ID
	return v
}

// Marshal serializes the violation to JSON.
func (v *Violation) Marshal() ([]byte, error) {
	return json.Marshal(v)
}

// ViolationHandler is invoked for every processed violation. Handler errors
// and panics never propagate to the submitter.
type ViolationHandler func(v *Violation)

// ViolationPipeline stores emitted violations with bounded capacity and
// fans each one out to registered handlers (console log, bus publish,
// webhooks). It is the engine-side half of the alerting boundary.
type ViolationPipeline struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	violations []*Violation
	handlers   []ViolationHandler
	maxStore   int
}

// NewViolationPipeline creates a pipeline storing at most maxStore
// violations; zero or negative means the default of 10000.
func NewViolationPipeline(logger zerolog.Logger, maxStore int) *ViolationPipeline {
	if maxStore <= 0 {
		maxStore = 10000
	}
	return &ViolationPipeline{
		logger:     logger.With().Str("component", "violation_pipeline").Logger(),
		violations: make([]*Violation, 0),
		maxStore:   maxStore,
	}
}

// AddHandler registers a handler called for every processed violation.
func (p *ViolationPipeline) AddHandler(h ViolationHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Process stores the violation and invokes all handlers. A panicking
// handler is recovered and logged so delivery problems cannot fail the
// detection path.
func (p *ViolationPipeline) Process(v *Violation) {
	if v == nil {
		return
	}

	p.mu.Lock()
	if len(p.violations) >= p.maxStore {
		// Drop the oldest 10% to make room
		drop := p.maxStore / 10
		if drop < 1 {
			drop = 1
		}
		p.violations = append(p.violations[:0:0], p.violations[drop:]...)
	}
	p.violations = append(p.violations, v)
	handlers := append([]ViolationHandler(nil), p.handlers...)
	p.mu.Unlock()

	for _, h := range handlers {
		p.safeInvoke(h, v)
	}
}

func (p *ViolationPipeline) safeInvoke(h ViolationHandler, v *Violation) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().
				Str("violation_id", v.ID).
				Str("type", v.Type).
				Interface("panic", rec).
				Msg("violation handler panicked")
		}
	}()
	h(v)
}

// GetViolations returns up to limit violations of at least minSeverity,
// most recent first.
func (p *ViolationPipeline) GetViolations(minSeverity Severity, limit int) []*Violation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Violation, 0, limit)
	for i := len(p.violations) - 1; i >= 0 && len(result) < limit; i-- {
		if p.violations[i].Severity >= minSeverity {
			result = append(result, p.violations[i])
		}
	}
	return result
}

// GetViolationByID returns the violation with the given ID, or nil.
func (p *ViolationPipeline) GetViolationByID(id string) *Violation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, v := range p.violations {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// UpdateViolationStatus sets the status of a stored violation.
func (p *ViolationPipeline) UpdateViolationStatus(id string, status ViolationStatus) (*Violation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.violations {
		if v.ID == id {
			v.Status = status
			return v, true
		}
	}
	return nil, false
}

// DeleteViolation removes a stored violation by ID.
func (p *ViolationPipeline) DeleteViolation(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range p.violations {
		if v.ID == id {
			p.violations = append(p.violations[:i], p.violations[i+1:]...)
			return true
		}
	}
	return false
}

// ClearViolations removes all stored violations and returns how many were
// dropped.
func (p *ViolationPipeline) ClearViolations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.violations)
	p.violations = p.violations[:0]
	return n
}

// Count returns the number of stored violations.
func (p *ViolationPipeline) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.violations)
}
