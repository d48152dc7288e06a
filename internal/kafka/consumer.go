// Package kafka wraps segmentio/kafka-go: a Reader for the enqueue intake and
// a Writer that publishes job events.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // default 1s
	MaxWait        time.Duration // default 50ms
	FromBeginning  bool          // new groups start at the oldest offset instead of the newest
	Log            *zap.Logger   // reader errors; optional
}

// Consumer is a thin wrapper around segmentio/kafka-go Reader.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumerFromConfig(c Config) *Consumer {
	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	ci := c.CommitInterval
	if ci <= 0 {
		ci = time.Second
	}
	mw := c.MaxWait
	if mw <= 0 {
		mw = 50 * time.Millisecond
	}
	start := kafka.LastOffset
	if c.FromBeginning {
		start = kafka.FirstOffset
	}

	rc := kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        mw,
		StartOffset:    start,
	}
	if c.Log != nil {
		rc.ErrorLogger = kafka.LoggerFunc(c.Log.Sugar().Errorf)
	}
	return &Consumer{r: kafka.NewReader(rc)}
}

type Message = kafka.Message

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

// Lag is the reader's last known lag behind the partition head.
func (c *Consumer) Lag() int64 { return c.r.Stats().Lag }

func (c *Consumer) Close() error { return c.r.Close() }
