package core

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/aegisd-project/aegisd/internal/retention"
	"github.com/rs/zerolog"
)

// Engine is the aegisd detection engine. It owns all keyed detector state,
// the violation pipeline, the event bus, and the retention scheduler; it is
// constructed at startup and torn down at shutdown, never a package-level
// singleton.
type Engine struct {
	Config    *Config
	Bus       *EventBus
	Registry  *DetectorRegistry
	Pipeline  *ViolationPipeline
	Retention *retention.Scheduler
	Logger    zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	enabled atomic.Bool

	eventsAccepted int64
	startedAt      time.Time
}

// NewEngine creates a new engine from config. Detectors are registered
// separately before Start.
func NewEngine(cfg *Config) (*Engine, error) {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		Config:    cfg,
		Registry:  NewDetectorRegistry(logger),
		Pipeline:  NewViolationPipeline(logger, cfg.Violations.MaxStore),
		Retention: retention.NewScheduler(logger, cfg.Retention.SweepInterval, cfg.Retention.MaxAge),
		Logger:    logger.With().Str("component", "engine").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now().UTC(),
	}
	engine.enabled.Store(true)

	if cfg.Violations.EnableConsole {
		engine.Pipeline.AddHandler(func(v *Violation) {
			engine.Logger.Warn().
				Str("violation_id", v.ID).
				Str("detector", v.Detector).
				Str("type", v.Type).
				Str("severity", v.Severity.String()).
				Str("source_ip", v.SourceIP).
				Str("description", v.Description).
				Msg("VIOLATION")
		})
	}

	for _, url := range cfg.Violations.WebhookURLs {
		webhookURL := url
		engine.Pipeline.AddHandler(func(v *Violation) {
			go sendWebhook(webhookURL, v, logger)
		})
	}

	return engine, nil
}

// RegisterDetector adds a detector to the registry. Detectors exposing a
// prunable store are also registered with the retention scheduler.
func (e *Engine) RegisterDetector(d Detector) error {
	if !e.Config.IsDetectorEnabled(d.Name()) {
		e.Logger.Info().Str("detector", d.Name()).Msg("detector disabled, skipping")
		return nil
	}
	if err := e.Registry.Register(d); err != nil {
		return err
	}
	if t, ok := d.(retention.Target); ok {
		e.Retention.Add(t)
	}
	return nil
}

// Start starts the event bus, subscribes the engine to the event stream,
// wires violation publishing, and starts the retention scheduler.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting aegisd engine")

	bus, err := NewEventBus(&e.Config.Bus, e.Logger)
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	e.Bus = bus

	// Every processed violation is published for the alerting/audit
	// collaborators. Publish failures are logged, never surfaced to the
	// authentication path.
	e.Pipeline.AddHandler(func(v *Violation) {
		if err := e.Bus.PublishViolation(v); err != nil {
			e.Logger.Error().Err(err).Str("violation_id", v.ID).Msg("failed to publish violation")
		}
	})

	// Remote producers can feed the event stream instead of calling the
	// engine in-process.
	if err := e.Bus.SubscribeToEvents(func(event *Event) {
		e.Submit(event)
	}); err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}

	e.Retention.Start(e.ctx)

	e.Logger.Info().
		Int("detectors", e.Registry.Count()).
		Msg("aegisd engine started")

	return nil
}

// Shutdown gracefully stops the engine.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down aegisd engine")
	e.cancel()

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}

	e.Logger.Info().Msg("aegisd engine stopped")
	return nil
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Submit routes a normalized event to the interested detectors and
// processes any resulting violations through the pipeline. The violations
// are returned to the submitter in the same call.
//
// While analysis is suspended, events are still recorded into detector
// state but nothing is scored or emitted.
func (e *Engine) Submit(event *Event) []*Violation {
	if event == nil || !event.Kind.IsValid() {
		return nil
	}

	atomic.AddInt64(&e.eventsAccepted, 1)

	if !e.enabled.Load() {
		e.Registry.RouteObserve(event)
		return nil
	}

	violations := e.Registry.RouteEvent(event)
	for _, v := range violations {
		e.Pipeline.Process(v)
	}
	return violations
}

// SubmitAuthAttempt submits one authentication attempt.
func (e *Engine) SubmitAuthAttempt(sourceIP, tenantID string, ts time.Time, attempt AuthAttempt) []*Violation {
	ev := NewEvent(KindAuthAttempt, sourceIP, ts)
	ev.TenantID = tenantID
	ev.Auth = &attempt
	return e.Submit(ev)
}

// SubmitSessionActivity submits one session activity record.
func (e *Engine) SubmitSessionActivity(sourceIP, tenantID string, ts time.Time, activity SessionActivity) []*Violation {
	ev := NewEvent(KindSessionActivity, sourceIP, ts)
	ev.TenantID = tenantID
	ev.Session = &activity
	return e.Submit(ev)
}

// SubmitAttackReport submits one reported attack event.
func (e *Engine) SubmitAttackReport(sourceIP, tenantID string, ts time.Time, report AttackReport) []*Violation {
	ev := NewEvent(KindAttackReport, sourceIP, ts)
	ev.TenantID = tenantID
	ev.Attack = &report
	return e.Submit(ev)
}

// SetAnalysisEnabled suspends or resumes scoring. Inbound events are still
// normalized and recorded while suspended.
func (e *Engine) SetAnalysisEnabled(enabled bool) {
	e.enabled.Store(enabled)
	e.Logger.Info().Bool("enabled", enabled).Msg("analysis toggled")
}

// AnalysisEnabled reports whether scoring is active.
func (e *Engine) AnalysisEnabled() bool {
	return e.enabled.Load()
}

// Stats returns engine-wide counters plus per-detector tracking stats.
func (e *Engine) Stats() map[string]interface{} {
	detectors := make(map[string]interface{})
	for _, d := range e.Registry.All() {
		if sr, ok := d.(StatsReporter); ok {
			detectors[d.Name()] = sr.Stats()
		}
	}

	stats := map[string]interface{}{
		"analysis_enabled": e.enabled.Load(),
		"events_accepted":  atomic.LoadInt64(&e.eventsAccepted),
		"violations_total": e.Pipeline.Count(),
		"detector_count":   e.Registry.Count(),
		"detectors":        detectors,
		"routing":          e.Registry.GetMetrics(),
		"retention":        e.Retention.Stats(),
		"uptime_seconds":   int64(time.Since(e.startedAt).Seconds()),
	}
	if e.Bus != nil {
		stats["bus_connected"] = e.Bus.IsConnected()
		stats["bus"] = e.Bus.GetMetrics()
	}
	return stats
}

// ExportState returns a forensic dump of every detector's keyed state.
func (e *Engine) ExportState() map[string]interface{} {
	dump := make(map[string]interface{})
	for _, d := range e.Registry.All() {
		if se, ok := d.(StateExporter); ok {
			dump[d.Name()] = se.ExportState()
		}
	}
	return dump
}

// sendWebhook delivers a violation to a webhook URL. Fire-and-forget:
// failures are logged only.
func sendWebhook(url string, v *Violation, logger zerolog.Logger) {
	data, err := v.Marshal()
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal violation for webhook")
		return
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		logger.Error().Err(err).Str("url", url).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		logger.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("webhook returned error status")
	}
}
