package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/logging"
)

const (
	streamName     = "NCR_EVENTS"
	subjectPrefix  = "ncr.events"
	connectTimeout = 10 * time.Second
	reconnectWait  = 2 * time.Second
	maxReconnects  = 10
)

// NATSBus publishes events to a NATS JetStream stream. Event IDs double
// as JetStream message IDs for duplicate detection.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger logging.Logger
}

// NewNATSBus connects to NATS and ensures the events stream exists.
func NewNATSBus(url, clientID string, logger logging.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(clientID),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("getting jetstream context: %w", err)
	}

	streamConfig := &nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Storage:    nats.FileStorage,
		Duplicates: 5 * time.Minute,
	}
	if _, err := js.StreamInfo(streamName); err != nil {
		if _, err := js.AddStream(streamConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating stream: %w", err)
		}
	} else {
		if _, err := js.UpdateStream(streamConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("updating stream: %w", err)
		}
	}

	logger.Info(context.Background(), "connected to nats jetstream",
		zap.String("url", url), zap.String("stream", streamName))

	return &NATSBus{conn: conn, js: js, logger: logger}, nil
}

// Publish writes one event to the stream.
func (b *NATSBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	subject := subjectPrefix + "." + strings.TrimPrefix(string(event.Type), "rewards.")
	if _, err := b.js.Publish(subject, data, nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	b.logger.Debug(ctx, "published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Uint64("epoch", event.Epoch))
	return nil
}

// Close drains and closes the NATS connection.
func (b *NATSBus) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
