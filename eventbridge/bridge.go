// Package eventbridge publishes switch events and consistency violations
// to NATS for external consumers. It is optional: an empty URL disables
// it entirely, and publish failures never propagate into the acquisition
// path.
package eventbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/consistency"
	"github.com/139QQ/fundstream/errors"
	"github.com/139QQ/fundstream/pkg/retry"
	"github.com/139QQ/fundstream/source"
)

// Bridge forwards pipeline events onto NATS subjects.
type Bridge struct {
	cfg    config.EventsConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn

	events   <-chan source.SwitchEvent
	subID    string
	shutdown chan struct{}
	done     chan struct{}
}

// New builds a Bridge. A nil return with nil error means publishing is
// disabled by configuration.
func New(cfg config.EventsConfig, logger *slog.Logger) *Bridge {
	if cfg.NATSURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		logger:   logger.With("component", "eventbridge"),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start connects to NATS, retrying with backoff so a broker that comes up
// after the process does not abort startup, and begins forwarding switch
// events from the switcher.
func (b *Bridge) Start(ctx context.Context, switcher *source.Switcher) error {
	conn, err := retry.DoWithResult(ctx, retry.Startup(), func() (*nats.Conn, error) {
		return nats.Connect(b.cfg.NATSURL,
			nats.Name("fundstream-eventbridge"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Start", "nats connect")
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	b.subID, b.events = switcher.Subscribe(64)
	go b.forward()

	b.logger.Info("event bridge started",
		"switch_subject", b.cfg.SwitchSubject,
		"violation_subject", b.cfg.ViolationSubject)
	return nil
}

// Stop detaches from the switcher and drains the NATS connection.
func (b *Bridge) Stop(switcher *source.Switcher) {
	close(b.shutdown)
	if switcher != nil && b.subID != "" {
		switcher.Unsubscribe(b.subID)
	}
	<-b.done

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		if err := conn.Drain(); err != nil {
			b.logger.Warn("nats drain failed", "error", err)
		}
	}
}

// PublishViolation is the validator's violation callback. It never blocks
// the validation path; publish errors are logged and dropped.
func (b *Bridge) PublishViolation(v consistency.Violation) {
	b.publish(b.cfg.ViolationSubject, v)
}

// forward relays switch events until the subscription closes.
func (b *Bridge) forward() {
	defer close(b.done)
	for {
		select {
		case <-b.shutdown:
			return
		case event, ok := <-b.events:
			if !ok {
				return
			}
			b.publish(b.cfg.SwitchSubject, event)
		}
	}
}

func (b *Bridge) publish(subject string, payload any) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("event marshal failed", "subject", subject, "error", err)
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		b.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}
