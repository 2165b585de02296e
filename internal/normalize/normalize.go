// Package normalize validates and shapes inbound raw events before they
// reach the detectors. It is the only place raw secret material is ever
// seen: secrets are reduced to one-way fingerprints here and never
// retained.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/rs/zerolog"
)

// RawEvent is the wire shape accepted from the identity/session provider,
// before validation. Password, if present, is consumed for fingerprinting
// and discarded.
type RawEvent struct {
	Kind      string    `json:"kind"`
	SourceIP  string    `json:"source_ip"`
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenant_id,omitempty"`

	// auth_attempt fields
	Username            string `json:"username,omitempty"`
	Password            string `json:"password,omitempty"`
	PasswordFingerprint string `json:"password_fingerprint,omitempty"`
	Succeeded           bool   `json:"succeeded,omitempty"`
	UserAgent           string `json:"user_agent,omitempty"`
	SessionID           string `json:"session_id,omitempty"`

	// session_activity fields
	UserID string `json:"user_id,omitempty"`
	Action string `json:"action,omitempty"`

	// attack_report fields
	AttackType    string                `json:"attack_type,omitempty"`
	SourceIPs     []string              `json:"source_ips,omitempty"`
	TargetTenants []string              `json:"target_tenants,omitempty"`
	Signature     *core.AttackSignature `json:"signature,omitempty"`
}

// Rejection reasons. Rejected events are logged and dropped; the error is
// never surfaced to the authentication path.
var (
	ErrMissingKind      = errors.New("missing or unknown event kind")
	ErrMissingSourceIP  = errors.New("missing source IP")
	ErrMissingTimestamp = errors.New("missing timestamp")
)

// Normalizer validates raw events and produces typed core events.
type Normalizer struct {
	logger zerolog.Logger
	pepper []byte

	accepted int64
	rejected int64
}

// New creates a Normalizer. The pepper is mixed into every secret
// fingerprint so digests are not portable between deployments.
func New(logger zerolog.Logger, pepper string) *Normalizer {
	return &Normalizer{
		logger: logger.With().Str("component", "normalizer").Logger(),
		pepper: []byte(pepper),
	}
}

// Fingerprint reduces raw secret material to a one-way, non-reversible
// digest. The raw value is never stored.
func (n *Normalizer) Fingerprint(secret string) string {
	h := sha256.New()
	h.Write(n.pepper)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize validates a raw event and shapes it into a typed core event.
// On rejection it logs, counts, and returns the reason; callers drop the
// event and carry on.
func (n *Normalizer) Normalize(raw RawEvent) (*core.Event, error) {
	kind := core.EventKind(raw.Kind)
	if !kind.IsValid() {
		return nil, n.reject(raw, ErrMissingKind)
	}
	if raw.Timestamp.IsZero() {
		return nil, n.reject(raw, ErrMissingTimestamp)
	}

	sourceIP := raw.SourceIP
	if sourceIP == "" && kind == core.KindAttackReport && len(raw.SourceIPs) > 0 {
		// Attack reports carry a participant set; the first participant
		// stands in as the envelope source.
		sourceIP = raw.SourceIPs[0]
	}
	if sourceIP == "" {
		return nil, n.reject(raw, ErrMissingSourceIP)
	}

	event := core.NewEvent(kind, sourceIP, raw.Timestamp)
	event.TenantID = raw.TenantID

	switch kind {
	case core.KindAuthAttempt:
		fingerprint := raw.PasswordFingerprint
		if raw.Password != "" {
			fingerprint = n.Fingerprint(raw.Password)
		}
		event.Auth = &core.AuthAttempt{
			Username:            raw.Username,
			PasswordFingerprint: fingerprint,
			Succeeded:           raw.Succeeded,
			UserAgent:           raw.UserAgent,
			SessionID:           raw.SessionID,
		}
	case core.KindSessionActivity:
		event.Session = &core.SessionActivity{
			SessionID: raw.SessionID,
			UserID:    raw.UserID,
			UserAgent: raw.UserAgent,
			Action:    raw.Action,
		}
	case core.KindAttackReport:
		report := &core.AttackReport{
			AttackType:    raw.AttackType,
			SourceIPs:     append([]string(nil), raw.SourceIPs...),
			TargetTenants: append([]string(nil), raw.TargetTenants...),
		}
		if raw.Signature != nil {
			report.Signature = *raw.Signature
		}
		event.Attack = report
	}

	atomic.AddInt64(&n.accepted, 1)
	return event, nil
}

func (n *Normalizer) reject(raw RawEvent, reason error) error {
	atomic.AddInt64(&n.rejected, 1)
	n.logger.Warn().
		Str("kind", raw.Kind).
		Str("source_ip", raw.SourceIP).
		Err(reason).
		Msg("rejected malformed event")
	return reason
}

// Stats returns accepted/rejected counters.
func (n *Normalizer) Stats() map[string]int64 {
	return map[string]int64{
		"accepted": atomic.LoadInt64(&n.accepted),
		"rejected": atomic.LoadInt64(&n.rejected),
	}
}
