package bruteforce

import (
	"fmt"
	"testing"
	"time"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/rs/zerolog"
)

func newDetector() *Detector {
	return New(zerolog.Nop(), nil)
}

func authEvent(ip, username, fingerprint string, succeeded bool, ts time.Time) *core.Event {
	ev := core.NewEvent(core.KindAuthAttempt, ip, ts)
	ev.Auth = &core.AuthAttempt{
		Username:            username,
		PasswordFingerprint: fingerprint,
		Succeeded:           succeeded,
	}
	return ev
}

func hasType(violations []*core.Violation, violationType string) bool {
	for _, v := range violations {
		if v.Type == violationType {
			return true
		}
	}
	return false
}

// Twelve failed logins across three usernames within five minutes must
// trigger the volume block and the multi-target signal; the next attempt
// during the lockout is rejected outright.
func TestBruteForce_VolumeThenBlocked(t *testing.T) {
	d := newDetector()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	usernames := []string{"a@x", "b@x", "c@x"}

	var all []*core.Violation
	for i := 0; i < 12; i++ {
		ts := base.Add(time.Duration(i) * 25 * time.Second) // all within 5 minutes
		all = append(all, d.Evaluate(authEvent("1.2.3.4", usernames[i%3], fmt.Sprintf("fp%d", i%3), false, ts))...)
	}

	if !hasType(all, "brute_force_volume") {
		t.Error("expected brute_force_volume within the burst")
	}
	if !hasType(all, "brute_force_multi_target") {
		t.Error("expected brute_force_multi_target with 3 distinct usernames")
	}

	// 13th attempt one minute later: rejected, no re-scoring.
	thirteenth := d.Evaluate(authEvent("1.2.3.4", "a@x", "fp0", false, base.Add(6*time.Minute)))
	if len(thirteenth) != 1 || thirteenth[0].Type != "brute_force_blocked" {
		t.Fatalf("expected only brute_force_blocked, got %v", thirteenth)
	}
	if thirteenth[0].Severity != core.SeverityHigh {
		t.Errorf("blocked severity = %v, want High", thirteenth[0].Severity)
	}
}

// The volume violation fires exactly once per lockout: once Blocked, every
// further attempt short-circuits.
func TestBruteForce_VolumeFiresOncePerLockout(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	volumeCount := 0
	for i := 0; i < 20; i++ {
		vs := d.Evaluate(authEvent("9.9.9.9", "root", "fp", false, base.Add(time.Duration(i)*time.Second)))
		if hasType(vs, "brute_force_volume") {
			volumeCount++
		}
	}
	if volumeCount != 1 {
		t.Errorf("brute_force_volume fired %d times, want 1", volumeCount)
	}
}

func TestBruteForce_LockoutExpiresLazily(t *testing.T) {
	d := newDetector()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		d.Evaluate(authEvent("5.5.5.5", "admin", "fp", false, base.Add(time.Duration(i)*time.Second)))
	}

	// Still inside the lockout hour.
	during := d.Evaluate(authEvent("5.5.5.5", "admin", "fp", false, base.Add(30*time.Minute)))
	if !hasType(during, "brute_force_blocked") {
		t.Error("attempt during lockout should be rejected")
	}

	// After the lockout the block clears; old failures are outside the
	// 15-minute window, so a single new failure scores clean.
	after := d.Evaluate(authEvent("5.5.5.5", "admin", "fp", false, base.Add(2*time.Hour)))
	if hasType(after, "brute_force_blocked") || hasType(after, "brute_force_volume") {
		t.Errorf("block should have expired, got %v", after)
	}
}

func TestBruteForce_WindowIsSliding(t *testing.T) {
	d := newDetector()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// Nine failures spread over an hour never land ten in one window.
	for i := 0; i < 9; i++ {
		vs := d.Evaluate(authEvent("7.7.7.7", "svc", "fp", false, base.Add(time.Duration(i)*7*time.Minute)))
		if hasType(vs, "brute_force_volume") {
			t.Fatal("volume should not fire with failures spread outside the window")
		}
	}
}

func TestBruteForce_SuccessesDoNotCountAsFailures(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()
	for i := 0; i < 15; i++ {
		vs := d.Evaluate(authEvent("8.8.8.8", "ok", "fp", true, base.Add(time.Duration(i)*time.Second)))
		if hasType(vs, "brute_force_volume") {
			t.Fatal("successful logins must not trigger the volume block")
		}
	}
}

func TestBruteForce_PasswordVariationPattern(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	var last []*core.Violation
	for i := 0; i < 10; i++ {
		last = d.Evaluate(authEvent("6.6.6.6", "admin", fmt.Sprintf("variant-%d", i), false, base.Add(time.Duration(i)*time.Minute)))
	}
	if !hasType(last, "brute_force_pattern") {
		t.Error("expected brute_force_pattern at 10 distinct fingerprints")
	}
}

func TestBruteForce_ObserveRecordsWithoutScoring(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()
	for i := 0; i < 15; i++ {
		d.Observe(authEvent("3.3.3.3", "u", "fp", false, base.Add(time.Duration(i)*time.Second)))
	}

	stats := d.Stats()
	if stats["tracked_ips"].(int) != 1 {
		t.Error("observed attempts should still be tracked")
	}
	if stats["blocked_ips"].(int) != 0 {
		t.Error("observe must never transition to Blocked")
	}
}

func TestBruteForce_PruneBefore(t *testing.T) {
	d := newDetector()
	old := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fresh := old.Add(30 * time.Hour)

	d.Evaluate(authEvent("10.0.0.1", "u", "fp", false, old))
	d.Evaluate(authEvent("10.0.0.2", "u", "fp", false, fresh))

	removed := d.PruneBefore(fresh.Add(-24 * time.Hour))
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if d.Stats()["tracked_ips"].(int) != 1 {
		t.Error("fresh profile should survive the sweep")
	}
}

func TestBruteForce_ExportState(t *testing.T) {
	d := newDetector()
	d.Evaluate(authEvent("10.0.0.9", "u", "fp", false, time.Now()))

	dump, ok := d.ExportState().([]ExportedProfile)
	if !ok {
		t.Fatalf("unexpected export type %T", d.ExportState())
	}
	if len(dump) != 1 || dump[0].SourceIP != "10.0.0.9" || dump[0].Failed != 1 {
		t.Errorf("unexpected dump: %+v", dump)
	}
}
