package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/lms-platform/internal/platform/events"
)

// durables maps each consumed subject to its JetStream durable consumer name.
var durables = map[string]string{
	events.SubjectContentDeleted: "progress_content_deleted",
	events.SubjectLearnerDeleted: "progress_learner_deleted",
}

// Consumer pulls deletion events from JetStream and hands them to a Handler.
type Consumer struct {
	js        nats.JetStreamContext
	handler   *Handler
	log       *zap.Logger
	batchSize int
	maxWait   time.Duration
}

func NewConsumer(js nats.JetStreamContext, handler *Handler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		js:        js,
		handler:   handler,
		log:       log.With(zap.String("component", "deletion_consumer")),
		batchSize: envInt("WORKER_BATCH_SIZE", 100),
		maxWait:   time.Duration(envInt("WORKER_BATCH_INTERVAL_MS", 2000)) * time.Millisecond,
	}
}

// Run subscribes to every deletion subject and blocks until ctx is cancelled.
// The subscriptions are removed on return; the durable consumers are kept so a
// restart resumes where this run stopped.
func (c *Consumer) Run(ctx context.Context) error {
	subs := make(map[string]*nats.Subscription, len(durables))
	defer func() {
		for subject, sub := range subs {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				c.log.Warn("unsubscribe failed", zap.String("subject", subject), zap.Error(err))
			}
		}
	}()
	for subject, durable := range durables {
		if err := c.ensureConsumer(subject, durable); err != nil {
			return err
		}
		// Bound subscriptions leave the consumer in place on Unsubscribe.
		sub, err := c.js.PullSubscribe(subject, durable, nats.Bind(events.StreamName, durable))
		if err != nil {
			return err
		}
		subs[subject] = sub
	}

	var wg sync.WaitGroup
	for subject, sub := range subs {
		wg.Add(1)
		go func(subject string, sub *nats.Subscription) {
			defer wg.Done()
			c.loop(ctx, subject, sub)
		}(subject, sub)
	}
	wg.Wait()
	return nil
}

func (c *Consumer) ensureConsumer(subject, durable string) error {
	if _, err := c.js.ConsumerInfo(events.StreamName, durable); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("consumer info %s: %w", durable, err)
	}
	_, err := c.js.AddConsumer(events.StreamName, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("add consumer %s: %w", durable, err)
	}
	return nil
}

func (c *Consumer) loop(ctx context.Context, subject string, sub *nats.Subscription) {
	log := c.log.With(zap.String("subject", subject))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(c.batchSize, nats.MaxWait(c.maxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			log.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			c.process(ctx, log, m)
		}
	}
}

func (c *Consumer) process(ctx context.Context, log *zap.Logger, m *nats.Msg) {
	err := c.handler.Handle(ctx, m.Subject, m.Data)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformed):
		log.Warn("dropping malformed event", zap.Error(err))
	default:
		log.Error("apply failed, will retry", zap.Error(err))
		if nerr := m.Nak(); nerr != nil {
			log.Warn("nak failed", zap.Error(nerr))
		}
		return
	}
	if aerr := m.Ack(); aerr != nil {
		log.Warn("ack failed", zap.Error(aerr))
	}
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
