// Package outbox wraps row writes so that the change records they produce
// reach listeners only after the owning transaction commits.
//
// A Session carries a re-entrant transaction: nested Begin calls join the
// outermost *sqlx.Tx, and records buffered while it is open are flushed in
// order once the outermost Commit succeeds. Rollback at any depth discards
// them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jmehdipour/jobengine/internal/event"
	"github.com/jmehdipour/jobengine/internal/metrics"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrNoTransaction = errors.New("outbox: no open transaction")
	ErrInvalidName   = errors.New("outbox: invalid table or column name")
	ErrEmptyRow      = errors.New("outbox: empty row")
)

// Dispatcher receives committed change records. *event.Emitter implements it.
type Dispatcher interface {
	Emit(ctx context.Context, c event.Change) error
}

// Table binds a SQL table to the entity name used on emitted events.
type Table struct {
	Name   string
	Entity string
}

// Writer opens sessions against one database and dispatcher.
type Writer struct {
	db       *sqlx.DB
	dispatch Dispatcher
	log      *zap.Logger
	bulkSeq  atomic.Int64
}

func NewWriter(db *sqlx.DB, dispatch Dispatcher, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{db: db, dispatch: dispatch, log: log}
}

// DB returns the underlying handle for plain reads.
func (w *Writer) DB() *sqlx.DB { return w.db }

// Session starts a unit of work attributed to actor. A session is meant to
// be used by one logical caller; it is not shared between goroutines that
// run independent transactions.
func (w *Writer) Session(actor int64) *Session {
	return &Session{w: w, actor: actor}
}

// Session is one unit of work with its own transaction depth and buffer.
type Session struct {
	w     *Writer
	actor int64

	mu    sync.Mutex
	ctx   context.Context
	tx    *sqlx.Tx
	depth int
	buf   []event.Change
}

// Actor returns the actor recorded on every change of this session.
func (s *Session) Actor() int64 { return s.actor }

// Depth returns the current nesting level; 0 means no open transaction.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// Pending returns the number of buffered records.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Begin opens a transaction, or joins the open one.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth > 0 {
		s.depth++
		return nil
	}
	tx, err := s.w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: begin: %w", err)
	}
	s.tx = tx
	s.ctx = context.WithoutCancel(ctx)
	s.depth = 1
	return nil
}

// Commit closes one nesting level. At the outermost level it commits the
// database transaction and then dispatches every buffered record in order.
// Dispatch failures are logged and never returned: the data is already
// durable at that point.
func (s *Session) Commit() error {
	s.mu.Lock()
	if s.depth == 0 {
		s.mu.Unlock()
		return ErrNoTransaction
	}
	s.depth--
	if s.depth > 0 {
		s.mu.Unlock()
		return nil
	}

	tx, ctx, records := s.tx, s.ctx, s.buf
	s.tx, s.ctx, s.buf = nil, nil, nil
	s.mu.Unlock()

	if err := tx.Commit(); err != nil {
		metrics.OutboxFlushed.WithLabelValues("discarded").Add(float64(len(records)))
		return fmt.Errorf("outbox: commit: %w", err)
	}

	s.w.flush(ctx, records)
	return nil
}

// Rollback aborts the whole transaction regardless of depth and drops the buffer.
func (s *Session) Rollback() error {
	s.mu.Lock()
	tx, records := s.tx, s.buf
	s.tx, s.ctx, s.buf, s.depth = nil, nil, nil, 0
	s.mu.Unlock()

	if len(records) > 0 {
		metrics.OutboxFlushed.WithLabelValues("discarded").Add(float64(len(records)))
	}
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("outbox: rollback: %w", err)
	}
	return nil
}

// InTx runs fn inside Begin/Commit, rolling back when fn fails or panics.
func (s *Session) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	if err := s.Begin(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = s.Rollback()
			panic(r)
		}
	}()

	if err := fn(s.Tx()); err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			s.w.log.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return s.Commit()
}

// Tx returns the open transaction, or nil.
func (s *Session) Tx() *sqlx.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// Record queues c for dispatch. Without an open transaction it is
// dispatched immediately.
func (s *Session) Record(ctx context.Context, c event.Change) {
	if c.Actor == 0 {
		c.Actor = s.actor
	}

	s.mu.Lock()
	if s.depth > 0 {
		s.buf = append(s.buf, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.w.flush(ctx, []event.Change{c})
}

func (w *Writer) flush(ctx context.Context, records []event.Change) {
	for _, c := range records {
		if err := w.dispatchOne(ctx, c); err != nil {
			metrics.OutboxFlushed.WithLabelValues("error").Inc()
			w.log.Warn("outbox dispatch failed",
				zap.String("entity", c.Entity),
				zap.Int64("id", c.ID),
				zap.String("type", c.Type.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.OutboxFlushed.WithLabelValues("ok").Inc()
	}
}

func (w *Writer) dispatchOne(ctx context.Context, c event.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	if w.dispatch == nil {
		return nil
	}
	return w.dispatch.Emit(ctx, c)
}
