package coordinated

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

func report(attackType string, ips, tenants []string, sig *core.AttackSignature, ts time.Time) *core.Event {
	ev := core.NewEvent(core.KindAttackReport, ips[0], ts)
	r := &core.AttackReport{
		AttackType:    attackType,
		SourceIPs:     ips,
		TargetTenants: tenants,
	}
	if sig != nil {
		r.Signature = *sig
	}
	ev.Attack = r
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

// Four source IPs hitting six tenants on a near-constant 30-second beat
// must raise all three coordination signals.
func TestCoordinated_FullCampaignScenario(t *testing.T) {
	d := newDetector()
	base := time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)

	ips := []string{"10.9.0.1", "10.9.0.2", "10.9.0.3", "10.9.0.4"}
	tenants := []string{"t1", "t2", "t3", "t4", "t5", "t6"}

	var all []*core.Violation
	for i := 0; i < 8; i++ {
		// Each report names one attacking IP and the full target set.
		ev := report("credential_spray",
			[]string{ips[i%4]},
			tenants,
			nil,
			base.Add(time.Duration(i)*30*time.Second))
		all = append(all, d.Evaluate(ev)...)
	}

	for _, want := range []string{
		"coordinated_multi_ip_attack",
		"coordinated_multi_tenant_attack",
		"synchronized_coordinated_attack",
	} {
		if !hasType(all, want) {
			t.Errorf("expected %s from the campaign", want)
		}
	}
	if d.Stats()["tracked_clusters"].(int) != 1 {
		t.Errorf("all reports should merge into one cluster, got %v", d.Stats()["tracked_clusters"])
	}
}

func TestCoordinated_ReportsOfDifferentTypesDoNotMerge(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	d.Evaluate(report("dos", []string{"1.1.1.1"}, []string{"t1"}, nil, base))
	d.Evaluate(report("credential_spray", []string{"1.1.1.1"}, []string{"t1"}, nil, base))

	if d.Stats()["tracked_clusters"].(int) != 2 {
		t.Errorf("clusters = %v, want 2", d.Stats()["tracked_clusters"])
	}
}

func TestCoordinated_BelowIPThresholdIsQuiet(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()

	vs := d.Evaluate(report("dos", []string{"1.1.1.1", "1.1.1.2"}, []string{"t1"}, nil, base))
	if hasType(vs, "coordinated_multi_ip_attack") {
		t.Error("two IPs are below the multi-IP threshold")
	}
}

func TestCoordinated_CoordinationLevelMonotonicAndBounded(t *testing.T) {
	d := newDetector()
	base := time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)

	prev := -1.0
	for i := 0; i < 12; i++ {
		ev := report("dos",
			[]string{fmt.Sprintf("172.16.0.%d", i+1)},
			[]string{fmt.Sprintf("tenant-%d", i%7)},
			nil,
			base) // same instant: the rate term stays fixed
		// Overlapping tenants chain every report into the same cluster.
		ev.Attack.TargetTenants = append(ev.Attack.TargetTenants, "tenant-0")
		d.Evaluate(ev)

		dump := d.ExportState().([]ExportedCluster)
		if len(dump) != 1 {
			t.Fatalf("clusters = %d, want 1", len(dump))
		}
		level := dump[0].CoordinationLevel
		if level < 0 || level > 1 {
			t.Fatalf("coordination level %v outside [0,1]", level)
		}
		if level < prev {
			t.Fatalf("coordination level decreased: %v -> %v", prev, level)
		}
		prev = level
	}
}

func TestCoordinated_IrregularTimingIsNotSynchronized(t *testing.T) {
	d := newDetector()
	base := time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)

	// Wildly uneven spacing: 1s, 10m, 2s, 45m.
	offsets := []time.Duration{0, time.Second, 10 * time.Minute, 10*time.Minute + 2*time.Second, 55 * time.Minute}
	var all []*core.Violation
	for _, off := range offsets {
		all = append(all, d.Evaluate(report("dos", []string{"2.2.2.2"}, []string{"t1"}, nil, base.Add(off)))...)
	}
	if hasType(all, "synchronized_coordinated_attack") {
		t.Error("irregular spacing must not look synchronized")
	}
}

// The synchronization minimum is a setting, not a constant: configured down
// to 2 it must fire on the second evenly spaced report.
func TestCoordinated_SyncMinEventsIsConfigurable(t *testing.T) {
	d := New(zerolog.Nop(), map[string]interface{}{"sync_min_events": 2})
	base := time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)

	first := d.Evaluate(report("dos", []string{"8.8.8.8"}, []string{"t1"}, nil, base))
	if hasType(first, "synchronized_coordinated_attack") {
		t.Fatal("one event cannot be synchronized")
	}
	second := d.Evaluate(report("dos", []string{"8.8.8.8"}, []string{"t1"}, nil, base.Add(30*time.Second)))
	if !hasType(second, "synchronized_coordinated_attack") {
		t.Error("two events should satisfy a configured minimum of 2")
	}
}

func TestCoordinated_BotnetSignatureSimilarity(t *testing.T) {
	d := newDetector()
	base := time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)

	var all []*core.Violation
	for i := 0; i < 4; i++ {
		sig := &core.AttackSignature{PayloadBytes: 4096, IntervalMs: 500}
		ev := report("http_flood", []string{fmt.Sprintf("3.3.3.%d", i+1)}, []string{"t1"}, sig, base.Add(time.Duration(i)*time.Hour))
		all = append(all, d.Evaluate(ev)...)
	}
	if !hasType(all, "botnet_coordinated_attack") {
		t.Error("identical signatures should raise the botnet signal")
	}
}

func TestCoordinated_DissimilarSignaturesAreQuiet(t *testing.T) {
	d := newDetector()
	base := time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)

	sizes := []int64{100, 90000, 512, 4}
	intervals := []float64{10, 60000, 900, 2}
	var all []*core.Violation
	for i := 0; i < 4; i++ {
		sig := &core.AttackSignature{PayloadBytes: sizes[i], IntervalMs: intervals[i]}
		ev := report("http_flood", []string{"4.4.4.4"}, []string{"t1"}, sig, base.Add(time.Duration(i)*time.Hour))
		all = append(all, d.Evaluate(ev)...)
	}
	if hasType(all, "botnet_coordinated_attack") {
		t.Error("dissimilar signatures must not look like a botnet")
	}
}

func TestCoordinated_PruneBefore(t *testing.T) {
	d := newDetector()
	old := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	fresh := old.Add(30 * time.Hour)

	d.Evaluate(report("dos", []string{"5.5.5.5"}, []string{"t1"}, nil, old))
	d.Evaluate(report("http_flood", []string{"6.6.6.6"}, []string{"t2"}, nil, fresh))

	removed := d.PruneBefore(fresh.Add(-24 * time.Hour))
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if d.Stats()["tracked_clusters"].(int) != 1 {
		t.Error("fresh cluster should survive the sweep")
	}

	// The stale cluster's digest alias is gone too: a matching report
	// starts a new cluster rather than resurrecting the old one.
	d.Evaluate(report("dos", []string{"5.5.5.5"}, []string{"t1"}, nil, fresh))
	if d.Stats()["tracked_clusters"].(int) != 2 {
		t.Error("report after prune should create a fresh cluster")
	}
}

func TestCoordinated_ThreatLevels(t *testing.T) {
	cases := []struct {
		level float64
		want  string
	}{
		{0.0, "low"},
		{0.24, "low"},
		{0.25, "medium"},
		{0.49, "medium"},
		{0.5, "high"},
		{0.74, "high"},
		{0.75, "critical"},
		{1.0, "critical"},
	}
	for _, tc := range cases {
		if got := threatLevel(tc.level); got != tc.want {
			t.Errorf("threatLevel(%v) = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestCoordinated_ObserveMergesWithoutScoring(t *testing.T) {
	d := newDetector()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		d.Observe(report("dos", []string{fmt.Sprintf("7.7.7.%d", i+1)}, []string{"t1"}, nil, base))
	}
	if d.Stats()["tracked_clusters"].(int) != 1 {
		t.Error("observed reports should still cluster")
	}
}
