package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventBus wraps NATS JetStream. Normalized events and emitted violations
// are published to their own streams; the alerting/audit collaborators
// consume the violation stream, and remote identity providers may feed the
// event stream instead of calling the engine in-process.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus performance counters.
type BusMetrics struct {
	mu                  sync.Mutex
	EventsPublished     int64
	EventsFailed        int64
	ViolationsPublished int64
	MessagesAcked       int64
	MessagesNaked       int64
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an
// embedded NATS server.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	// Stream of normalized inbound events. AddStream returns the existing
	// stream if the config matches; after a version upgrade the config may
	// differ, so fall back to an update.
	eventsStreamCfg := &nats.StreamConfig{
		Name:      "THREAT_EVENTS",
		Subjects:  []string{"threat.events.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		MaxBytes:  1024 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err = js.AddStream(eventsStreamCfg); err != nil {
		if _, updateErr := js.UpdateStream(eventsStreamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating events stream: %w (original: %v)", updateErr, err)
		}
	}

	// Stream of emitted violations, consumed by the alerting and audit
	// collaborators.
	violationsStreamCfg := &nats.StreamConfig{
		Name:      "THREAT_VIOLATIONS",
		Subjects:  []string{"threat.violations.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err = js.AddStream(violationsStreamCfg); err != nil {
		if _, updateErr := js.UpdateStream(violationsStreamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating violations stream: %w (original: %v)", updateErr, err)
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishEvent publishes a normalized event to the event stream.
func (b *EventBus) PublishEvent(event *Event) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := fmt.Sprintf("threat.events.%s", event.Kind)
	if _, err = b.js.Publish(subject, data); err != nil {
		b.metrics.mu.Lock()
		b.metrics.EventsFailed++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Msg("event published")

	return nil
}

// PublishViolation publishes a violation to the violation stream.
func (b *EventBus) PublishViolation(v *Violation) error {
	data, err := v.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling violation: %w", err)
	}

	subject := fmt.Sprintf("threat.violations.%s.%s", v.Detector, v.Severity.String())
	if _, err = b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing violation to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.ViolationsPublished++
	b.metrics.mu.Unlock()

	return nil
}

// Subscribe creates a durable subscription to a subject pattern.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeToEvents subscribes to all inbound events with a durable
// consumer. Malformed payloads are naked and dropped.
func (b *EventBus) SubscribeToEvents(handler func(event *Event)) error {
	return b.Subscribe("threat.events.>", "aegisd-engine-events", func(msg *nats.Msg) {
		event, err := UnmarshalEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal event")
			_ = msg.Nak()
			b.metrics.mu.Lock()
			b.metrics.MessagesNaked++
			b.metrics.mu.Unlock()
			return
		}
		handler(event)
		_ = msg.Ack()
		b.metrics.mu.Lock()
		b.metrics.MessagesAcked++
		b.metrics.mu.Unlock()
	})
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}

	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}

	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"events_published":     b.metrics.EventsPublished,
		"events_failed":        b.metrics.EventsFailed,
		"violations_published": b.metrics.ViolationsPublished,
		"messages_acked":       b.metrics.MessagesAcked,
		"messages_naked":       b.metrics.MessagesNaked,
	}
}
