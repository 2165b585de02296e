package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a violation.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "INFO":
		*s = SeverityInfo
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = SeverityInfo
	}
	return nil
}

// EventKind discriminates the event union. Every normalized event carries
// exactly one kind and the matching payload pointer.
type EventKind string

const (
	KindAuthAttempt     EventKind = "auth_attempt"
	KindSessionActivity EventKind = "session_activity"
	KindAttackReport    EventKind = "attack_report"
)

// IsValid checks if the kind is a known value.
func (k EventKind) IsValid() bool {
	switch k {
	case KindAuthAttempt, KindSessionActivity, KindAttackReport:
		return true
	}
	return false
}

// Event is the normalized event envelope routed to detectors. Exactly one
// of Auth, Session, or Attack is non-nil, matching Kind.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	TenantID  string    `json:"tenant_id,omitempty"`

	Auth    *AuthAttempt     `json:"auth,omitempty"`
	Session *SessionActivity `json:"session,omitempty"`
	Attack  *AttackReport    `json:"attack,omitempty"`
}

// AuthAttempt is a single authentication attempt as reported by the
// identity provider. PasswordFingerprint is a one-way digest produced at
// the normalization boundary; the raw password never reaches this struct.
type AuthAttempt struct {
	Username            string `json:"username"`
	PasswordFingerprint string `json:"password_fingerprint"`
	Succeeded           bool   `json:"succeeded"`
	UserAgent           string `json:"user_agent,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
}

// SessionActivity is one observed action within an established session.
type SessionActivity struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Action    string `json:"action,omitempty"`
}

// AttackSignature carries the size/timing features of a reported attack
// event, used for cross-event similarity scoring.
type AttackSignature struct {
	PayloadBytes int64   `json:"payload_bytes"`
	IntervalMs   float64 `json:"interval_ms"`
	Descriptor   string  `json:"descriptor,omitempty"`
}

// AttackReport is an externally reported attack event contributing to a
// coordinated-attack cluster.
type AttackReport struct {
	AttackType    string          `json:"attack_type"`
	SourceIPs     []string        `json:"source_ips"`
	TargetTenants []string        `json:"target_tenants"`
	Signature     AttackSignature `json:"signature"`
}

// NewEvent creates an event envelope with a generated ID.
func NewEvent(kind EventKind, sourceIP string, ts time.Time) *Event {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: ts,
		SourceIP:  sourceIP,
	}
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an Event from JSON.
func UnmarshalEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
