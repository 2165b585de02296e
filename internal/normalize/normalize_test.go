package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/rs/zerolog"
)

func newNormalizer() *Normalizer {
	return New(zerolog.Nop(), "test-pepper")
}

func TestNormalize_AuthAttempt(t *testing.T) {
	n := newNormalizer()
	raw := RawEvent{
		Kind:      "auth_attempt",
		SourceIP:  "203.0.113.5",
		Timestamp: time.Now().UTC(),
		TenantID:  "tenant-1",
		Username:  "alice",
		Password:  "hunter2",
		Succeeded: false,
		SessionID: "sess-1",
	}

	event, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if event.Kind != core.KindAuthAttempt {
		t.Errorf("kind = %q", event.Kind)
	}
	if event.Auth == nil {
		t.Fatal("auth payload missing")
	}
	if event.Auth.PasswordFingerprint == "" {
		t.Error("raw password should have been fingerprinted")
	}
	if event.Auth.PasswordFingerprint == "hunter2" {
		t.Error("fingerprint must not be the raw password")
	}
	if event.TenantID != "tenant-1" {
		t.Errorf("tenant = %q", event.TenantID)
	}
}

func TestNormalize_PassesThroughExistingFingerprint(t *testing.T) {
	n := newNormalizer()
	raw := RawEvent{
		Kind:                "auth_attempt",
		SourceIP:            "203.0.113.5",
		Timestamp:           time.Now(),
		Username:            "bob",
		PasswordFingerprint: "precomputed",
	}
	event, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if event.Auth.PasswordFingerprint != "precomputed" {
		t.Errorf("fingerprint = %q, want precomputed", event.Auth.PasswordFingerprint)
	}
}

func TestFingerprint_DeterministicAndPeppered(t *testing.T) {
	n := newNormalizer()
	a := n.Fingerprint("hunter2")
	b := n.Fingerprint("hunter2")
	if a != b {
		t.Error("fingerprints must be deterministic")
	}
	if a == n.Fingerprint("hunter3") {
		t.Error("distinct secrets must not collide")
	}

	other := New(zerolog.Nop(), "other-pepper")
	if a == other.Fingerprint("hunter2") {
		t.Error("fingerprints must not be portable across peppers")
	}
}

func TestNormalize_Rejections(t *testing.T) {
	n := newNormalizer()
	now := time.Now()

	cases := []struct {
		name string
		raw  RawEvent
		want error
	}{
		{"unknown kind", RawEvent{Kind: "weird", SourceIP: "1.1.1.1", Timestamp: now}, ErrMissingKind},
		{"empty kind", RawEvent{SourceIP: "1.1.1.1", Timestamp: now}, ErrMissingKind},
		{"zero timestamp", RawEvent{Kind: "auth_attempt", SourceIP: "1.1.1.1"}, ErrMissingTimestamp},
		{"missing source IP", RawEvent{Kind: "auth_attempt", Timestamp: now}, ErrMissingSourceIP},
	}
	for _, tc := range cases {
		if _, err := n.Normalize(tc.raw); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	stats := n.Stats()
	if stats["rejected"] != int64(len(cases)) {
		t.Errorf("rejected = %d, want %d", stats["rejected"], len(cases))
	}
	if stats["accepted"] != 0 {
		t.Errorf("accepted = %d, want 0", stats["accepted"])
	}
}

func TestNormalize_AttackReportFallsBackToParticipants(t *testing.T) {
	n := newNormalizer()
	raw := RawEvent{
		Kind:          "attack_report",
		Timestamp:     time.Now(),
		AttackType:    "credential_spray",
		SourceIPs:     []string{"10.0.0.1", "10.0.0.2"},
		TargetTenants: []string{"t1"},
		Signature:     &core.AttackSignature{PayloadBytes: 512, IntervalMs: 30000},
	}

	event, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if event.SourceIP != "10.0.0.1" {
		t.Errorf("source IP = %q, want first participant", event.SourceIP)
	}
	if event.Attack == nil || len(event.Attack.SourceIPs) != 2 {
		t.Error("participant set lost")
	}
	if event.Attack.Signature.PayloadBytes != 512 {
		t.Error("signature lost")
	}
}

func TestNormalize_SessionActivity(t *testing.T) {
	n := newNormalizer()
	raw := RawEvent{
		Kind:      "session_activity",
		SourceIP:  "198.51.100.2",
		Timestamp: time.Now(),
		SessionID: "sess-7",
		UserID:    "user-9",
		Action:    "download",
	}
	event, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if event.Session == nil || event.Session.SessionID != "sess-7" || event.Session.Action != "download" {
		t.Error("session payload not shaped correctly")
	}
}
