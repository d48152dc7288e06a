package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/jobengine/internal/event"
	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	TopicPrefix  string        // envelopes go to <prefix>.<entity>
	BatchTimeout time.Duration // default 10ms
	Async        bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes event envelopes. Messages are keyed by entity and id so
// every change of one row lands on the same partition in order.
type Producer struct {
	w      messageWriter
	prefix string
}

func NewProducerFromConfig(c ProducerConfig) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           bt,
		Async:                  c.Async,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w, c.TopicPrefix)
}

func newProducer(w messageWriter, prefix string) *Producer {
	if prefix == "" {
		prefix = "jobengine"
	}
	return &Producer{w: w, prefix: prefix}
}

func (p *Producer) Topic(entity string) string { return p.prefix + "." + entity }

// Publish writes env to its entity topic.
func (p *Producer) Publish(ctx context.Context, env *event.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(env.Entity),
		Key:   []byte(env.Entity + ":" + strconv.FormatInt(env.ID, 10)),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.EventID)},
			{Key: "event_type", Value: []byte(env.Type)},
		},
	})
}

// Listener adapts Publish to the event bus.
func (p *Producer) Listener() event.Listener {
	return p.Publish
}

// Attach subscribes the producer to every entity's channel under name "kafka".
func (p *Producer) Attach(bus *event.Bus, entities ...string) {
	for _, e := range entities {
		bus.Subscribe(event.Channel(e), "kafka", p.Listener())
	}
}

func (p *Producer) Close() error { return p.w.Close() }
