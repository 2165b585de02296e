package credstuffing

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

func TestCredStuffing_VolumeFiresAtThreshold(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	var last []*core.Violation
	for i := 0; i < 50; i++ {
		// 50 attempts, 2 successes: 4% running success rate.
		succeeded := i == 10 || i == 20
		last = d.Evaluate(authEvent("1.1.1.1", "victim", "fp", succeeded, base.Add(time.Duration(i)*time.Second)))
	}
	if !hasType(last, "credential_stuffing_volume") {
		t.Error("expected credential_stuffing_volume at 50 low-success attempts")
	}
}

// The rate gate is the running success rate over everything tracked for the
// IP, not just the window: a client with a long successful history that
// bursts 50 failures is a busy legitimate source, not a campaign.
func TestCredStuffing_RunningSuccessRateCoversAllAttempts(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	for i := 0; i < 60; i++ {
		d.Evaluate(authEvent("6.6.6.6", "victim", "fp", true, base.Add(-2*time.Hour).Add(time.Duration(i)*time.Second)))
	}

	// 50 failures inside the window: volume condition met, but the running
	// rate is 60/110 and the gate must hold.
	for i := 0; i < 50; i++ {
		vs := d.Evaluate(authEvent("6.6.6.6", "victim", "fp", false, base.Add(time.Duration(i)*time.Second)))
		if hasType(vs, "credential_stuffing_volume") {
			t.Fatalf("volume fired at failure %d despite a 55%% running success rate", i+1)
		}
	}
}

// The volume signal never fires below 50 attempts, whatever the rate.
func TestCredStuffing_VolumeNeverFiresUnderThreshold(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()
	for i := 0; i < 49; i++ {
		vs := d.Evaluate(authEvent("2.2.2.2", "victim", "fp", false, base.Add(time.Duration(i)*time.Second)))
		if hasType(vs, "credential_stuffing_volume") {
			t.Fatalf("volume fired at attempt %d", i+1)
		}
	}
}

func TestCredStuffing_HighSuccessRateIsNotStuffing(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()
	for i := 0; i < 60; i++ {
		// Half the attempts succeed: a busy NAT, not a campaign.
		vs := d.Evaluate(authEvent("3.3.3.3", "victim", "fp", i%2 == 0, base.Add(time.Duration(i)*time.Second)))
		if hasType(vs, "credential_stuffing_volume") {
			t.Fatal("high success rate must not trigger the volume signal")
		}
	}
}

func TestCredStuffing_BreachDataAtTwentyPairs(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	var last []*core.Violation
	for i := 0; i < 20; i++ {
		last = d.Evaluate(authEvent("4.4.4.4", fmt.Sprintf("user%d", i), fmt.Sprintf("fp%d", i), false, base.Add(time.Duration(i)*time.Second)))
	}
	if !hasType(last, "credential_stuffing_breach_data") {
		t.Error("expected credential_stuffing_breach_data at 20 distinct pairs")
	}
}

// The same credential pair from three IPs total flips the distributed
// signal on the third IP's evaluation, listing all three.
func TestCredStuffing_DistributedAcrossThreeIPs(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	first := d.Evaluate(authEvent("10.0.0.1", "bob", "h-pw1", false, base))
	if hasType(first, "credential_stuffing_distributed") {
		t.Fatal("one IP must not look distributed")
	}
	second := d.Evaluate(authEvent("10.0.0.2", "bob", "h-pw1", false, base.Add(time.Minute)))
	if hasType(second, "credential_stuffing_distributed") {
		t.Fatal("two IPs must not look distributed")
	}

	third := d.Evaluate(authEvent("10.0.0.3", "bob", "h-pw1", false, base.Add(2*time.Minute)))
	if !hasType(third, "credential_stuffing_distributed") {
		t.Fatal("three IPs should trigger the distributed signal")
	}

	for _, v := range third {
		if v.Type != "credential_stuffing_distributed" {
			continue
		}
		related, ok := v.Details["related_ips"].([]string)
		if !ok {
			t.Fatalf("related_ips detail missing: %+v", v.Details)
		}
		want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
		if len(related) != len(want) {
			t.Fatalf("related_ips = %v, want %v", related, want)
		}
		for i := range want {
			if related[i] != want[i] {
				t.Errorf("related_ips[%d] = %q, want %q", i, related[i], want[i])
			}
		}
		coordination, _ := v.Details["coordination"].(float64)
		if coordination < 0 || coordination > 1 {
			t.Errorf("coordination = %v, want within [0,1]", coordination)
		}
	}
}

func TestCredStuffing_DifferentPairsDoNotCorrelate(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	d.Evaluate(authEvent("10.0.0.1", "bob", "h-pw1", false, base))
	d.Evaluate(authEvent("10.0.0.2", "bob", "h-pw2", false, base))
	vs := d.Evaluate(authEvent("10.0.0.3", "bob", "h-pw3", false, base))
	if hasType(vs, "credential_stuffing_distributed") {
		t.Error("distinct fingerprints are distinct pairs; no correlation expected")
	}
}

func TestCredStuffing_PruneBefore(t *testing.T) {
	d := newDetector()
	old := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fresh := old.Add(30 * time.Hour)

	d.Evaluate(authEvent("10.0.0.1", "bob", "h-pw1", false, old))
	d.Evaluate(authEvent("10.0.0.2", "bob", "h-pw1", false, fresh))

	removed := d.PruneBefore(fresh.Add(-24 * time.Hour))
	if removed == 0 {
		t.Fatal("expected stale state to be removed")
	}

	stats := d.Stats()
	if stats["tracked_ips"].(int) != 1 {
		t.Errorf("tracked_ips = %v, want 1", stats["tracked_ips"])
	}

	// The stale IP is gone from the pair index too: two fresh IPs are
	// again below the distributed threshold.
	vs := d.Evaluate(authEvent("10.0.0.3", "bob", "h-pw1", false, fresh.Add(time.Minute)))
	if hasType(vs, "credential_stuffing_distributed") {
		t.Error("pruned IP should no longer count toward the distributed threshold")
	}
}

// An LRU-evicted profile must drop out of the pair index immediately, not
// linger until the next retention sweep.
func TestCredStuffing_EvictedProfileLeavesPairIndex(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	d.Evaluate(authEvent("10.0.0.1", "bob", "h-pw1", false, base))
	d.Evaluate(authEvent("10.0.0.2", "bob", "h-pw1", false, base))

	// Shrinking the cache evicts the oldest profile through the same
	// callback a capacity overflow would use.
	d.profiles.Resize(1)

	if len(d.pairIndex[pairKey("bob", "h-pw1")]) != 1 {
		t.Fatalf("evicted IP should be gone from the pair index, got %v",
			d.pairIndex[pairKey("bob", "h-pw1")])
	}

	vs := d.Evaluate(authEvent("10.0.0.3", "bob", "h-pw1", false, base.Add(time.Minute)))
	if hasType(vs, "credential_stuffing_distributed") {
		t.Error("evicted IP must not count toward the distributed threshold")
	}
}

func TestCredStuffing_ObserveMaintainsIndexWithoutScoring(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	d.Observe(authEvent("10.0.0.1", "bob", "h-pw1", false, base))
	d.Observe(authEvent("10.0.0.2", "bob", "h-pw1", false, base))

	// Once analysis resumes, state accumulated while suspended counts.
	vs := d.Evaluate(authEvent("10.0.0.3", "bob", "h-pw1", false, base.Add(time.Minute)))
	if !hasType(vs, "credential_stuffing_distributed") {
		t.Error("observed attempts should feed the pair index")
	}
}
