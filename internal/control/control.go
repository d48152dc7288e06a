// Package control keeps the cooperative stop/pause flags and short-lived
// cached values in Redis. Every key expires, so a crashed operator never
// leaves a job type halted forever.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Signal string

const (
	SignalNone  Signal = ""
	SignalStop  Signal = "stop"
	SignalPause Signal = "pause"
)

func (s Signal) Valid() bool {
	return s == SignalStop || s == SignalPause
}

type Store struct {
	rdb     *redis.Client
	prefix  string
	flagTTL time.Duration
}

type Option func(*Store)

// WithPrefix namespaces every key; default "jobengine:".
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

func New(rdb *redis.Client, flagTTL time.Duration, opts ...Option) *Store {
	if flagTTL <= 0 {
		flagTTL = time.Hour
	}
	s := &Store{rdb: rdb, prefix: "jobengine:", flagTTL: flagTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) flagKey(jobType string) string {
	return s.prefix + "flag:" + jobType
}

// Raise sets sig for jobType; a later Raise replaces it and refreshes the TTL.
func (s *Store) Raise(ctx context.Context, jobType string, sig Signal) error {
	if !sig.Valid() {
		return fmt.Errorf("control: invalid signal %q", sig)
	}
	return s.rdb.Set(ctx, s.flagKey(jobType), string(sig), s.flagTTL).Err()
}

// Clear removes any flag for jobType. Returns whether one was set.
func (s *Store) Clear(ctx context.Context, jobType string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.flagKey(jobType)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Active returns the flag currently set for jobType, or SignalNone.
func (s *Store) Active(ctx context.Context, jobType string) (Signal, error) {
	v, err := s.rdb.Get(ctx, s.flagKey(jobType)).Result()
	if errors.Is(err, redis.Nil) {
		return SignalNone, nil
	}
	if err != nil {
		return SignalNone, err
	}
	return Signal(v), nil
}

// GetJSON decodes the cached value under key into dst. Returns false on a miss.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+"cache:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("control: decode cached %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.prefix+"cache:"+key, b, ttl).Err()
}

// Invalidate drops a cached value.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+"cache:"+key).Err()
}
