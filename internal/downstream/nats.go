package downstream

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// KeyHeader carries the message key on NATS, which has no native key.
const KeyHeader = "Flowcore-Key"

// MsgConn is the part of *nats.Conn the publisher uses.
type MsgConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher publishes JSON payloads on NATS subjects named after the topic.
type NATSPublisher struct {
	conn MsgConn
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("flowcore"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisherWithConn(conn), nil
}

// NewNATSPublisherWithConn wraps an existing connection.
func NewNATSPublisherWithConn(conn MsgConn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Publish sends the message and flushes so delivery failures surface here.
func (p *NATSPublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	if key != "" {
		msg.Header.Set(KeyHeader, key)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return publishErr(topic, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return publishErr(topic, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

var _ Publisher = (*NATSPublisher)(nil)
