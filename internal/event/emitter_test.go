package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_DispatchesToEntityChannel(t *testing.T) {
	bus := NewBus()
	em := NewEmitter(NewBuilder(), bus, nil)

	var got []*Envelope
	bus.Subscribe(Channel("job"), "capture", func(_ context.Context, env *Envelope) error {
		got = append(got, env)
		return nil
	})
	bus.Subscribe(Channel("user"), "other", func(context.Context, *Envelope) error {
		t.Fatal("listener on another channel must not fire")
		return nil
	})

	err := em.Emit(context.Background(), Change{Entity: "job", ID: 3, Type: TypeCreated, After: Row{"status": "pending"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, "pending", got[0].RowAfter["status"])
}

func TestEmitter_InvalidChangeIsNoop(t *testing.T) {
	bus := NewBus()
	em := NewEmitter(NewBuilder(), bus, nil)

	calls := 0
	bus.Subscribe(Channel("job"), "count", func(context.Context, *Envelope) error {
		calls++
		return nil
	})

	err := em.Emit(context.Background(), Change{Entity: "job", ID: 0, Type: TypeCreated})
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.Zero(t, calls)

	p := em.Performance()
	assert.Equal(t, uint64(1), p.Rejected)
	assert.Zero(t, p.Samples)
}

func TestEmitter_ListenerFailureIsIsolated(t *testing.T) {
	bus := NewBus()
	em := NewEmitter(NewBuilder(), bus, nil)

	var order []string
	bus.Subscribe(Channel("job"), "broken", func(context.Context, *Envelope) error {
		order = append(order, "broken")
		return errors.New("boom")
	})
	bus.Subscribe(Channel("job"), "panics", func(context.Context, *Envelope) error {
		order = append(order, "panics")
		panic("listener bug")
	})
	bus.Subscribe(Channel("job"), "healthy", func(context.Context, *Envelope) error {
		order = append(order, "healthy")
		return nil
	})

	err := em.Emit(context.Background(), Change{Entity: "job", ID: 1, Type: TypeUpdated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, []string{"broken", "panics", "healthy"}, order)
}

func TestEmitter_PerformanceWindow(t *testing.T) {
	em := NewEmitter(NewBuilder(), NewBus(), nil, WithWindow(3), WithThresholds(Thresholds{
		WarnTime:     time.Millisecond,
		CriticalTime: 100 * time.Millisecond,
		WarnMem:      1 << 40,
		CriticalMem:  1 << 41,
	}))

	em.record(2*time.Millisecond, 10)
	em.record(4*time.Millisecond, 20)
	p := em.Performance()
	assert.Equal(t, 2, p.Samples)
	assert.Equal(t, 3*time.Millisecond, p.AvgTime)
	assert.Equal(t, int64(15), p.AvgMem)
	assert.Equal(t, PerfWarn, p.Status)

	// window of 3 rolls over: oldest sample drops out
	em.record(6*time.Millisecond, 30)
	em.record(8*time.Millisecond, 40)
	p = em.Performance()
	assert.Equal(t, 3, p.Samples)
	assert.Equal(t, 6*time.Millisecond, p.AvgTime)
	assert.Equal(t, uint64(4), p.Emitted)

	em.record(2*time.Second, 0)
	assert.Equal(t, PerfCritical, em.Performance().Status)

	em.ResetMetrics()
	p = em.Performance()
	assert.Zero(t, p.Samples)
	assert.Equal(t, PerfGood, p.Status)
}

func TestBus_SubscribeReplacesByName(t *testing.T) {
	bus := NewBus()
	calls := map[string]int{}
	bus.Subscribe("c", "a", func(context.Context, *Envelope) error { calls["first"]++; return nil })
	bus.Subscribe("c", "a", func(context.Context, *Envelope) error { calls["second"]++; return nil })
	assert.Equal(t, 1, bus.Listeners("c"))

	require.NoError(t, bus.Publish(context.Background(), "c", &Envelope{}))
	assert.Equal(t, map[string]int{"second": 1}, calls)

	bus.Unsubscribe("c", "a")
	assert.Zero(t, bus.Listeners("c"))
	assert.NoError(t, bus.Publish(context.Background(), "c", &Envelope{}))
}
