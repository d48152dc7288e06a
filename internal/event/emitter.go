package event

import (
	"context"
	"runtime/metrics"
	"sync"
	"time"

	appmetrics "github.com/jmehdipour/jobengine/internal/metrics"
	"go.uber.org/zap"
)

type PerfStatus string

const (
	PerfGood     PerfStatus = "good"
	PerfWarn     PerfStatus = "warn"
	PerfCritical PerfStatus = "critical"
)

// Thresholds bound the averages reported by Performance.
type Thresholds struct {
	WarnTime     time.Duration
	CriticalTime time.Duration
	WarnMem      int64 // bytes allocated per emit
	CriticalMem  int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnTime:     50 * time.Millisecond,
		CriticalTime: 200 * time.Millisecond,
		WarnMem:      1 << 20,
		CriticalMem:  5 << 20,
	}
}

// Performance is a snapshot of the rolling metrics window.
type Performance struct {
	Samples  int           `json:"samples"`
	AvgTime  time.Duration `json:"avg_time"`
	AvgMem   int64         `json:"avg_mem_bytes"`
	Status   PerfStatus    `json:"status"`
	Emitted  uint64        `json:"emitted"`
	Rejected uint64        `json:"rejected"`
}

type sample struct {
	dur time.Duration
	mem int64
}

// Emitter builds envelopes and dispatches them on the bus. One emitter is
// constructed at startup and shared.
type Emitter struct {
	builder    *Builder
	bus        *Bus
	log        *zap.Logger
	thresholds Thresholds

	mu       sync.Mutex
	window   []sample
	next     int
	full     bool
	emitted  uint64
	rejected uint64
}

type EmitterOption func(*Emitter)

func WithThresholds(t Thresholds) EmitterOption {
	return func(e *Emitter) { e.thresholds = t }
}

// WithWindow sets the number of samples kept for Performance.
func WithWindow(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.window = make([]sample, n)
		}
	}
}

func NewEmitter(builder *Builder, bus *Bus, log *zap.Logger, opts ...EmitterOption) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Emitter{
		builder:    builder,
		bus:        bus,
		log:        log,
		thresholds: DefaultThresholds(),
		window:     make([]sample, 100),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Bus returns the listener registry the emitter publishes to.
func (e *Emitter) Bus() *Bus { return e.bus }

// Emit builds an envelope for c and dispatches it to the entity channel.
// Invalid input is rejected with the build error and nothing is dispatched.
// Listener failures are returned joined after every listener has run.
func (e *Emitter) Emit(ctx context.Context, c Change) error {
	start := time.Now()
	allocStart := heapAllocs()

	env, err := e.builder.Build(c)
	if err != nil {
		e.mu.Lock()
		e.rejected++
		e.mu.Unlock()
		appmetrics.EventsTotal.WithLabelValues(entityLabel(c.Entity), "invalid").Inc()
		e.log.Warn("event rejected",
			zap.String("entity", c.Entity),
			zap.Int64("id", c.ID),
			zap.String("type", c.Type.String()),
			zap.Error(err),
		)
		return err
	}

	perr := e.bus.Publish(ctx, Channel(env.Entity), env)

	dur := time.Since(start)
	e.record(dur, int64(heapAllocs()-allocStart))
	appmetrics.EmitDuration.WithLabelValues(env.Entity).Observe(dur.Seconds())

	if perr != nil {
		appmetrics.EventsTotal.WithLabelValues(env.Entity, "listener_error").Inc()
		e.log.Error("event listener failed",
			zap.String("entity", env.Entity),
			zap.Int64("id", env.ID),
			zap.String("event_id", env.EventID),
			zap.Error(perr),
		)
		return perr
	}
	appmetrics.EventsTotal.WithLabelValues(env.Entity, "dispatched").Inc()
	return nil
}

func (e *Emitter) record(d time.Duration, mem int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.emitted++
	e.window[e.next] = sample{dur: d, mem: mem}
	e.next = (e.next + 1) % len(e.window)
	if e.next == 0 {
		e.full = true
	}
}

// Performance averages the rolling window and grades it against the thresholds.
func (e *Emitter) Performance() Performance {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.next
	if e.full {
		n = len(e.window)
	}
	p := Performance{Samples: n, Status: PerfGood, Emitted: e.emitted, Rejected: e.rejected}
	if n == 0 {
		return p
	}

	var sumDur time.Duration
	var sumMem int64
	for _, s := range e.window[:n] {
		sumDur += s.dur
		sumMem += s.mem
	}
	p.AvgTime = sumDur / time.Duration(n)
	p.AvgMem = sumMem / int64(n)

	switch {
	case p.AvgTime >= e.thresholds.CriticalTime || p.AvgMem >= e.thresholds.CriticalMem:
		p.Status = PerfCritical
	case p.AvgTime >= e.thresholds.WarnTime || p.AvgMem >= e.thresholds.WarnMem:
		p.Status = PerfWarn
	}
	return p
}

// ResetMetrics clears the rolling window.
func (e *Emitter) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next, e.full = 0, false
	e.emitted, e.rejected = 0, 0
}

var allocSample = []metrics.Sample{{Name: "/gc/heap/allocs:bytes"}}
var allocMu sync.Mutex

func heapAllocs() uint64 {
	allocMu.Lock()
	defer allocMu.Unlock()
	metrics.Read(allocSample)
	if allocSample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return allocSample[0].Value.Uint64()
}

// entityLabel keeps label cardinality bounded for rejected input.
func entityLabel(entity string) string {
	if ValidEntity(entity) {
		return entity
	}
	return "_invalid"
}
