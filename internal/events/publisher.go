// Package events publishes call lifecycle transitions to NATS so other
// services can follow calls without polling the control surface.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/Jubbery/simli-facetime-app/internal/call"
	"github.com/Jubbery/simli-facetime-app/internal/config"
)

// ErrDisconnected is reported by [Publisher.Check] while the connection is down.
var ErrDisconnected = errors.New("events: not connected to nats")

// Publisher sends one message per driver transition on
// "<prefix>.<phase>". A publisher built without servers is disabled and drops
// everything.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials the configured servers. It returns a disabled publisher when
// none are configured.
func Connect(ctx context.Context, cfg config.EventsConfig, log *slog.Logger) (*Publisher, error) {
	p := &Publisher{prefix: cfg.SubjectPrefix, log: log}
	if len(cfg.Servers) == 0 {
		log.Info("events: no nats servers configured, publishing disabled")
		return p, nil
	}

	opts := []nats.Option{
		nats.Name("facetime-call-driver"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("events: disconnected from nats", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("events: reconnected to nats", "url", c.ConnectedUrl())
		}),
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: flush: %w", err)
	}
	log.Info("events: connected to nats", "servers", url, "subject_prefix", cfg.SubjectPrefix)

	p.conn = conn
	return p, nil
}

// Enabled reports whether the publisher has a connection.
func (p *Publisher) Enabled() bool { return p != nil && p.conn != nil }

// Subject returns the subject a transition into phase is published on.
func (p *Publisher) Subject(phase call.Phase) string {
	return p.prefix + "." + phase.String()
}

// Publish sends ev. It is a no-op on a disabled publisher. NATS buffers
// messages while reconnecting, so Publish does not block on the network.
func (p *Publisher) Publish(ev call.Event) error {
	if !p.Enabled() {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Phase), data); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Phase, err)
	}
	return nil
}

// Observer returns a driver observer that publishes every transition.
// Publish failures are logged.
func (p *Publisher) Observer() call.Observer {
	return func(ev call.Event) {
		if err := p.Publish(ev); err != nil {
			p.log.Warn("events: dropping transition", "call_id", ev.CallID, "phase", ev.Phase, "err", err)
		}
	}
}

// Healthy reports whether the publisher is disabled or connected.
func (p *Publisher) Healthy() bool {
	return !p.Enabled() || p.conn.Status() == nats.CONNECTED
}

// Check adapts [Publisher.Healthy] to a readiness checker.
func (p *Publisher) Check(_ context.Context) error {
	if !p.Healthy() {
		return fmt.Errorf("%w (status %s)", ErrDisconnected, p.conn.Status())
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	p.log.Info("events: closing nats connection")
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("events: drain: %w", err)
	}
	return nil
}
