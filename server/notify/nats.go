package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSNotifier publishes notices on core NATS so every server instance sees them.
// Notices are fire-and-forget.
type NATSNotifier struct {
	nc *nats.Conn
}

// NewNATSNotifier connects to the NATS server at url.
func NewNATSNotifier(url string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("casechat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSNotifier{nc: nc}, nil
}

func (n *NATSNotifier) Publish(_ context.Context, event Event) error {
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	subject := Subject(event.ConversationID)
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish notice to subject '%s': %w", subject, err)
	}
	return nil
}

func (n *NATSNotifier) Subscribe(conversationID string, handler func(Event)) (func(), error) {
	subject := Subject(conversationID)
	sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("dropping malformed notice", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to subject '%s': %w", subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			slog.Warn("failed to unsubscribe", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}, nil
}

// Flush waits until the server has processed everything published so far.
func (n *NATSNotifier) Flush(ctx context.Context) error {
	return n.nc.FlushWithContext(ctx)
}

func (n *NATSNotifier) Close() error {
	return n.nc.Drain()
}
