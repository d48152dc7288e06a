package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Listener receives envelopes published on a channel.
type Listener func(ctx context.Context, env *Envelope) error

type subscription struct {
	name string
	fn   Listener
}

// Bus is an in-process channel -> listeners registry. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers fn on channel under name. A second subscription with
// the same channel and name replaces the first.
func (b *Bus) Subscribe(channel, name string, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[channel]
	for i := range subs {
		if subs[i].name == name {
			subs[i].fn = fn
			return
		}
	}
	b.subs[channel] = append(subs, subscription{name: name, fn: fn})
}

// Unsubscribe removes the named listener from channel.
func (b *Bus) Unsubscribe(channel, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[channel]
	for i := range subs {
		if subs[i].name == name {
			b.subs[channel] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of listeners on channel.
func (b *Bus) Listeners(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Publish delivers env to every listener on channel in subscription order.
// A failing or panicking listener does not stop the others; their errors
// are joined.
func (b *Bus) Publish(ctx context.Context, channel string, env *Envelope) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[channel]...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := deliver(ctx, s, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, s subscription, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panicked: %v", s.name, r)
		}
	}()
	if err := s.fn(ctx, env); err != nil {
		return fmt.Errorf("listener %s: %w", s.name, err)
	}
	return nil
}
