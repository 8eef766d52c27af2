package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/event"
)

// LogPublisher writes every notification to a logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e event.Event) error {
	p.Logger.InfoContext(ctx, "notification",
		slog.String("type", string(e.Type)),
		slog.String("team_id", e.TeamID),
		slog.String("data", string(e.Data)),
	)
	return nil
}

// Conn is the part of *nats.Conn the NATS publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes notifications as JSON on
// "<prefix>.<type>" for broadcasts and "<prefix>.team.<teamID>.<type>" for
// private ones.
type NATSPublisher struct {
	conn   Conn
	prefix string
}

// NewNATSPublisher returns a publisher writing to conn.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e event.Event) string {
	if e.Public() {
		return fmt.Sprintf("%s.%s", p.prefix, e.Type)
	}
	return fmt.Sprintf("%s.team.%s.%s", p.prefix, e.TeamID, e.Type)
}

func (p *NATSPublisher) Publish(_ context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// ConnectNATS dials the configured server, reconnecting in the background
// on failure.
func ConnectNATS(cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("techrun"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.Any("error", err))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}
