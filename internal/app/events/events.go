// Package events publishes domain events after state changes commit.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/R3E-Network/fabblink/pkg/logger"
)

// Subjects published by the hub.
const (
	SubjectOrderPlaced     = "order.placed"
	SubjectOrderPrinted    = "order.printed"
	SubjectOrderCancelled  = "order.cancelled"
	SubjectOrderSettled    = "order.settled"
	SubjectLedgerDeposited = "ledger.deposited"
)

// Publisher delivers an event payload to subscribers.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
}

// Emit publishes and logs failures. Committed state is never affected by a
// failed publication.
func Emit(ctx context.Context, pub Publisher, log *logger.Logger, subject string, payload interface{}) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, subject, payload); err != nil && log != nil {
		log.WithError(err).WithField("subject", subject).Warn("publish event failed")
	}
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, string, interface{}) error { return nil }

// Event is a published message as captured by Recorder.
type Event struct {
	Subject string
	Payload interface{}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, subject string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Subject: subject, Payload: payload})
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Subjects lists the published subjects in order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Subject
	}
	return out
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATSPublisher publishes JSON-encoded events on a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    *logger.Logger
}

// NewNATS connects to NATS and returns a publisher.
func NewNATS(cfg NATSConfig, log *logger.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.NewDefault("events")
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: cfg.SubjectPrefix, log: log}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.conn.Publish(p.subject(subject), data)
}

func (p *NATSPublisher) subject(s string) string {
	if p.prefix == "" {
		return s
	}
	return p.prefix + "." + s
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
