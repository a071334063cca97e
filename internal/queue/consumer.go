package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/models"
)

type TaskHandler func(ctx context.Context, task models.ScoringTask) error

type EventHandler func(ctx context.Context, ev models.JobEvent) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
	wg sync.WaitGroup
}

func NewConsumer(cfg config.NATSConfig) (*Consumer, error) {
	nc, js, err := connect(cfg, "aurum-consumer")
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeJobs pulls scoring tasks and hands them to workerCount goroutines.
// ackWait should exceed the job timeout so a slow job is not redelivered.
func (c *Consumer) ConsumeJobs(ctx context.Context, consumerName string, handler TaskHandler, workerCount int, ackWait time.Duration) error {
	stream, err := c.js.Stream(ctx, JobsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", JobsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    3,
		FilterSubject: JobsSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(msgCh)
		c.fetchLoop(ctx, cons, workerCount, func(msg jetstream.Msg) bool {
			select {
			case msgCh <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	for i := 0; i < workerCount; i++ {
		c.wg.Add(1)
		go func(workerID int) {
			defer c.wg.Done()
			for msg := range msgCh {
				var task models.ScoringTask
				if err := json.Unmarshal(msg.Data(), &task); err != nil {
					slog.Error("unmarshal scoring task", "worker", workerID, "error", err)
					_ = msg.Term()
					continue
				}
				if err := handler(ctx, task); err != nil {
					slog.Error("process scoring task", "worker", workerID, "job_id", task.JobID, "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}(i)
	}

	slog.Info("job consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumeEvents delivers new job events to handler, used by the API to push
// WebSocket updates. Each API instance should use its own consumer name.
func (c *Consumer) ConsumeEvents(ctx context.Context, consumerName string, handler EventHandler) error {
	stream, err := c.js.Stream(ctx, EventsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", EventsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:              consumerName,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           10 * time.Second,
		MaxDeliver:        3,
		FilterSubject:     EventsSubjectBase + ".>",
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.fetchLoop(ctx, cons, 10, func(msg jetstream.Msg) bool {
			var ev models.JobEvent
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				_ = msg.Term()
				return true
			}
			if err := handler(ctx, ev); err != nil {
				slog.Error("process job event", "job_id", ev.JobID, "error", err)
				_ = msg.Nak()
			} else {
				_ = msg.Ack()
			}
			return true
		})
	}()

	slog.Info("event consumer started", "consumer", consumerName)
	return nil
}

// fetchLoop pulls batches until ctx ends or deliver returns false.
func (c *Consumer) fetchLoop(ctx context.Context, cons jetstream.Consumer, batchSize int, deliver func(jetstream.Msg) bool) {
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("fetch error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for msg := range batch.Messages() {
			if !deliver(msg) {
				return
			}
		}
	}
}

// Wait blocks until all fetch loops and workers have exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) Close() {
	c.nc.Close()
}
