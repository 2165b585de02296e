package core

import (
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Violations.EnableConsole = false
	cfg.Logging.Level = "error"
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return engine
}

func TestEngine_SubmitRoutesAndStores(t *testing.T) {
	engine := newTestEngine(t)
	d := &fakeDetector{name: "brute_force", kinds: []EventKind{KindAuthAttempt},
		emit: []*Violation{NewViolation("brute_force", "brute_force_volume", SeverityCritical, "d")}}
	if err := engine.RegisterDetector(d); err != nil {
		t.Fatal(err)
	}

	violations := engine.Submit(NewEvent(KindAuthAttempt, "1.2.3.4", time.Now()))

	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if engine.Pipeline.Count() != 1 {
		t.Error("violation should have been processed through the pipeline")
	}
}

func TestEngine_SubmitInvalidEvent(t *testing.T) {
	engine := newTestEngine(t)
	if v := engine.Submit(nil); v != nil {
		t.Error("nil event should produce no violations")
	}
	bad := &Event{Kind: EventKind("junk")}
	if v := engine.Submit(bad); v != nil {
		t.Error("invalid kind should produce no violations")
	}
}

func TestEngine_DisabledAnalysisRecordsButEmitsNothing(t *testing.T) {
	engine := newTestEngine(t)
	d := &fakeDetector{name: "brute_force", kinds: []EventKind{KindAuthAttempt},
		emit: []*Violation{NewViolation("brute_force", "t", SeverityHigh, "d")}}
	engine.RegisterDetector(d)

	engine.SetAnalysisEnabled(false)
	if engine.AnalysisEnabled() {
		t.Fatal("analysis should report disabled")
	}

	violations := engine.Submit(NewEvent(KindAuthAttempt, "1.2.3.4", time.Now()))

	if violations != nil {
		t.Error("no violations while analysis is suspended")
	}
	if d.observed != 1 {
		t.Error("event should still be recorded via Observe")
	}
	if d.evaluated != 0 {
		t.Error("nothing should be evaluated while suspended")
	}
	if engine.Pipeline.Count() != 0 {
		t.Error("pipeline should stay empty while suspended")
	}

	engine.SetAnalysisEnabled(true)
	if v := engine.Submit(NewEvent(KindAuthAttempt, "1.2.3.4", time.Now())); len(v) != 1 {
		t.Error("analysis should resume emitting after re-enable")
	}
}

func TestEngine_RegisterDetectorHonorsConfig(t *testing.T) {
	engine := newTestEngine(t)
	cfg := engine.Config
	det := cfg.Detectors["brute_force"]
	det.Enabled = false
	cfg.Detectors["brute_force"] = det

	d := &fakeDetector{name: "brute_force", kinds: []EventKind{KindAuthAttempt}}
	if err := engine.RegisterDetector(d); err != nil {
		t.Fatalf("disabled registration should be a no-op, got %v", err)
	}
	if engine.Registry.Count() != 0 {
		t.Error("disabled detector should not be registered")
	}
}

func TestEngine_SubmitWrappers(t *testing.T) {
	engine := newTestEngine(t)
	var seen []*Event
	d := &capturingDetector{kinds: []EventKind{KindAuthAttempt, KindSessionActivity, KindAttackReport}, sink: &seen}
	engine.RegisterDetector(d)

	ts := time.Now()
	engine.SubmitAuthAttempt("1.1.1.1", "t1", ts, AuthAttempt{Username: "u"})
	engine.SubmitSessionActivity("2.2.2.2", "t2", ts, SessionActivity{SessionID: "s"})
	engine.SubmitAttackReport("3.3.3.3", "t3", ts, AttackReport{AttackType: "dos"})

	if len(seen) != 3 {
		t.Fatalf("events seen = %d, want 3", len(seen))
	}
	if seen[0].Auth == nil || seen[0].Auth.Username != "u" {
		t.Error("auth payload not threaded through")
	}
	if seen[1].Session == nil || seen[1].Session.SessionID != "s" {
		t.Error("session payload not threaded through")
	}
	if seen[2].Attack == nil || seen[2].Attack.AttackType != "dos" {
		t.Error("attack payload not threaded through")
	}
	if seen[1].TenantID != "t2" {
		t.Error("tenant not threaded through")
	}
}

func TestEngine_Stats(t *testing.T) {
	engine := newTestEngine(t)
	engine.RegisterDetector(&fakeDetector{name: "brute_force", kinds: []EventKind{KindAuthAttempt}})
	engine.Submit(NewEvent(KindAuthAttempt, "1.2.3.4", time.Now()))

	stats := engine.Stats()
	if stats["events_accepted"].(int64) != 1 {
		t.Errorf("events_accepted = %v, want 1", stats["events_accepted"])
	}
	if stats["detector_count"].(int) != 1 {
		t.Errorf("detector_count = %v, want 1", stats["detector_count"])
	}
	if stats["analysis_enabled"].(bool) != true {
		t.Error("analysis_enabled should be true")
	}
}

// capturingDetector records every event it evaluates.
type capturingDetector struct {
	kinds []EventKind
	sink  *[]*Event
}

func (c *capturingDetector) Name() string        { return "capturing" }
func (c *capturingDetector) Description() string { return "captures events" }
func (c *capturingDetector) Kinds() []EventKind  { return c.kinds }
func (c *capturingDetector) Observe(event *Event) {
	*c.sink = append(*c.sink, event)
}
func (c *capturingDetector) Evaluate(event *Event) []*Violation {
	*c.sink = append(*c.sink, event)
	return nil
}
