// Package events publishes indexing progress and security audit events to
// NATS.
//
// Subjects:
//   - <prefix>.index.<tenant>.<event>          (started, progress, completed, failed)
//   - <prefix>.audit.<tenant>.access_mismatch
//
// A nil *Publisher is valid and drops every event, so callers never branch on
// whether events are enabled.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
)

const (
	DefaultPrefix = "securerag"

	// noTenant replaces an empty tenant in subjects.
	noTenant = "_"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Tenant    string    `json:"tenant,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Publisher publishes JSON envelopes to NATS.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
}

// Connect dials NATS and returns a publisher that owns the connection.
// It returns (nil, nil) when events are disabled.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.NatsURL,
		nats.Name("securerag"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NatsURL, err)
	}
	p := NewPublisher(nc, cfg.Prefix, logger)
	p.owned = true
	return p, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// IndexSubject returns the subject for an indexing event.
func (p *Publisher) IndexSubject(tenant, event string) string {
	return strings.Join([]string{p.prefix, "index", token(tenant), token(event)}, ".")
}

// AuditSubject returns the subject for an access mismatch.
func (p *Publisher) AuditSubject(tenant string) string {
	return strings.Join([]string{p.prefix, "audit", token(tenant), "access_mismatch"}, ".")
}

// PublishIndexEvent publishes an indexing lifecycle event.
func (p *Publisher) PublishIndexEvent(ctx context.Context, tenant, event string, data any) error {
	if p == nil {
		return nil
	}
	return p.publish(ctx, p.IndexSubject(tenant, event), "index."+event, tenant, data)
}

// PublishAccessMismatch publishes a security audit event.
func (p *Publisher) PublishAccessMismatch(ctx context.Context, tenant string, data any) error {
	if p == nil {
		return nil
	}
	return p.publish(ctx, p.AuditSubject(tenant), "audit.access_mismatch", tenant, data)
}

func (p *Publisher) publish(ctx context.Context, subject, typ, tenant string, data any) error {
	payload, err := json.Marshal(Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Tenant:    tenant,
		RequestID: logging.RequestIDFromContext(ctx),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Warn(ctx, "event publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish %s event: %w", typ, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
	return nil
}

// Flush waits for buffered events to reach the server.
func (p *Publisher) Flush() error {
	if p == nil {
		return nil
	}
	return p.nc.Flush()
}

// Close drains the connection when the publisher owns it.
func (p *Publisher) Close() error {
	if p == nil || !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// token makes s safe as a single subject token.
func token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return noTenant
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
