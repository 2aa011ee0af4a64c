// Package publisher forwards lifecycle events to a message topic.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/events"
	"github.com/JakeFAU/render-proxy/internal/logging"
)

// Publisher delivers one payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PubSub publishes JSON payloads to a Google Cloud Pub/Sub topic.
type PubSub struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub wraps a Pub/Sub client.
func NewPubSub(client *pubsub.Client) *PubSub {
	return &PubSub{client: client, topics: make(map[string]*pubsub.Topic)}
}

// Publish marshals payload to JSON and waits for the server to accept it.
// The current trace context travels in the message attributes.
func (p *PubSub) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes and releases every topic handle.
func (p *PubSub) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

func (p *PubSub) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// pubsubCarrier implements propagation.TextMapCarrier for message attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

// Sink publishes each event of a batch to one topic.
type Sink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
	stop   func()
}

// NewSink builds an events.Sink over pub. When pub is a *PubSub its topic
// handles are stopped on Close.
func NewSink(pub Publisher, topic string, logger *zap.Logger) (*Sink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	s := &Sink{pub: pub, topic: topic, logger: logging.OrNop(logger)}
	if ps, ok := pub.(*PubSub); ok {
		s.stop = ps.Stop
	}
	return s, nil
}

// Consume publishes events in order and stops at the first failure.
func (s *Sink) Consume(ctx context.Context, batch []events.Event) error {
	for i, evt := range batch {
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			return fmt.Errorf("publish event %d of %d: %w", i+1, len(batch), err)
		}
		s.logger.Debug("event published", zap.String("message_id", id), zap.String("request_id", evt.RequestID))
	}
	return nil
}

// Close implements events.Sink.
func (s *Sink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}
