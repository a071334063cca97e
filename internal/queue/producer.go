package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/models"
)

const (
	JobsStreamName    = "SCORING_JOBS"
	JobsSubjectBase   = "scoring.jobs"
	EventsStreamName  = "SCORING_EVENTS"
	EventsSubjectBase = "scoring.events"
)

func connect(cfg config.NATSConfig, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "client", name, "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "client", name, "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

// Producer publishes scoring tasks and job events. It satisfies jobs.Broker.
type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(cfg config.NATSConfig) (*Producer, error) {
	nc, js, err := connect(cfg, "aurum-producer")
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js}, nil
}

// EnsureStreams creates the JetStream streams, retrying up to attempts times
// (1s apart). It doubles as the startup connectivity probe.
func (p *Producer) EnsureStreams(ctx context.Context, attempts int) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        JobsStreamName,
			Subjects:    []string{JobsSubjectBase + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      time.Hour,
			MaxMsgs:     100000,
			MaxBytes:    2 * 1024 * 1024 * 1024,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardNew,
			Duplicates:  2 * time.Minute,
			Description: "Portrait scoring tasks for workers",
		},
		{
			Name:        EventsStreamName,
			Subjects:    []string{EventsSubjectBase + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Description: "Terminal job events",
		},
	}

	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var lastErr error
		for _, cfg := range streams {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				lastErr = fmt.Errorf("create stream %s: %w", cfg.Name, err)
				break
			}
		}
		if lastErr == nil {
			slog.Info("ensured NATS streams", "jobs", JobsStreamName, "events", EventsStreamName)
			return nil
		}
		if attempt == attempts {
			return fmt.Errorf("%w (after %d attempts)", lastErr, attempts)
		}
		slog.Warn("ensure NATS streams (retrying...)", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

// PublishJob publishes a scoring task. The job id is the dedupe key, so a
// retried publish never creates a second delivery.
func (p *Producer) PublishJob(ctx context.Context, task models.ScoringTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal scoring task: %w", err)
	}
	subject := JobsSubjectBase + ".submit"
	if _, err := p.js.Publish(ctx, subject, payload, jetstream.WithMsgID(task.JobID)); err != nil {
		return fmt.Errorf("publish job %s: %w", task.JobID, err)
	}
	return nil
}

func (p *Producer) PublishEvent(ctx context.Context, ev models.JobEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", EventsSubjectBase, ev.JobID)
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// QueueDepth returns the number of pending messages in the jobs stream.
func (p *Producer) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, JobsStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

// Ping reports whether the broker can serve JetStream requests right now.
func (p *Producer) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	if _, err := p.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("jetstream unavailable: %w", err)
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
