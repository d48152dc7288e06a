package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/jobengine/internal/model"
)

// Typed adapts a strongly-typed handler to Widget. The payload is decoded
// into T (unknown fields rejected) and checked by Check, so every job type
// carries its own schema instead of an untyped blob.
//
// Only Cfg and Run are required.
type Typed[T any] struct {
	Cfg      Config
	Check    func(T) error
	Discover func(ctx context.Context) ([]T, error)
	Run      func(ctx context.Context, item T) (any, error)
	Retry    func(item T, err error) bool
	Done     func(ctx context.Context, job model.Job)
	Failed   func(ctx context.Context, job model.Job, err error)
}

var _ Widget = (*Typed[struct{}])(nil)

func (w *Typed[T]) Config() Config { return w.Cfg }

// Decode parses raw into T.
func (w *Typed[T]) Decode(raw json.RawMessage) (T, error) {
	var item T
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&item); err != nil {
		return item, fmt.Errorf("decode %s payload: %w", w.Cfg.Name, err)
	}
	return item, nil
}

func (w *Typed[T]) Validate(payload json.RawMessage) error {
	item, err := w.Decode(payload)
	if err != nil {
		return err
	}
	if w.Check != nil {
		return w.Check(item)
	}
	return nil
}

func (w *Typed[T]) DiscoverItems(ctx context.Context) ([]json.RawMessage, error) {
	if w.Discover == nil {
		return nil, nil
	}
	items, err := w.Discover(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("encode discovered item: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (w *Typed[T]) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	item, err := w.Decode(raw)
	if err != nil {
		// a payload that no longer decodes will not decode on retry either
		return nil, Permanent(err)
	}
	res, err := w.Run(ctx, item)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	if b, ok := res.(json.RawMessage); ok {
		return b, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode result: %w", err))
	}
	return b, nil
}

func (w *Typed[T]) OnError(raw json.RawMessage, err error) bool {
	if w.Retry == nil {
		return true
	}
	item, derr := w.Decode(raw)
	if derr != nil {
		return false
	}
	return w.Retry(item, err)
}

func (w *Typed[T]) OnComplete(ctx context.Context, job model.Job) {
	if w.Done != nil {
		w.Done(ctx, job)
	}
}

func (w *Typed[T]) OnFailure(ctx context.Context, job model.Job, err error) {
	if w.Failed != nil {
		w.Failed(ctx, job, err)
	}
}
