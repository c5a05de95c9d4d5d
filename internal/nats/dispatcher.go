package natsjs

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/sirupsen/logrus"
)

// EventPublisher delivers one outbox message
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// DispatcherConfig tunes the outbox dispatcher
type DispatcherConfig struct {
	BatchSize  int
	Idle       time.Duration
	RetryDelay time.Duration
}

// DefaultDispatcherConfig returns the dispatcher defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:  100,
		Idle:       500 * time.Millisecond,
		RetryDelay: 10 * time.Second,
	}
}

// Dispatcher moves queued outbox events to the event bus
type Dispatcher struct {
	st  *store.Store
	pub EventPublisher
	cfg DispatcherConfig
	log logrus.FieldLogger
}

// NewDispatcher creates an outbox dispatcher
func NewDispatcher(st *store.Store, pub EventPublisher, cfg DispatcherConfig, log logrus.FieldLogger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Idle <= 0 {
		cfg.Idle = def.Idle
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Dispatcher{st: st, pub: pub, cfg: cfg, log: log}
}

// Run dispatches until ctx is done, sleeping while the outbox is empty
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.WithError(err).Error("Error dequeuing outbox")
		}

		wait := time.Duration(0)
		if n == 0 || err != nil {
			wait = d.cfg.Idle
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch of due outbox messages. A failed
// publish is retried after the retry delay; the broker dedupes by msg id
// so a publish that succeeded but was not marked is harmless.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.st.DequeueOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range messages {
		log := d.log.WithField("outbox_id", msg.ID).WithField("subject", msg.Subject)

		if err := d.pub.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.WithError(err).Warn("Error publishing message")
			if err := d.st.MarkOutboxRetry(ctx, msg.ID, d.cfg.RetryDelay); err != nil {
				return published, err
			}
			continue
		}

		if err := d.st.MarkPublished(ctx, msg.ID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
