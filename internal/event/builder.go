package event

import (
	"fmt"
	"regexp"
	"time"
)

const MaxEntityLen = 50

var entityRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Authorizer decides whether an actor may see full rows.
type Authorizer interface {
	IsPrivileged(actor int64) bool
}

// StaticAuthorizer grants full visibility to a fixed set of actor ids.
type StaticAuthorizer map[int64]struct{}

func NewStaticAuthorizer(ids ...int64) StaticAuthorizer {
	a := make(StaticAuthorizer, len(ids))
	for _, id := range ids {
		a[id] = struct{}{}
	}
	return a
}

func (a StaticAuthorizer) IsPrivileged(actor int64) bool {
	_, ok := a[actor]
	return ok
}

// Builder converts raw changes into sanitized envelopes.
type Builder struct {
	newID IDGenerator
	authz Authorizer
	now   func() time.Time
}

type BuilderOption func(*Builder)

func WithIDStrategy(s IDStrategy) BuilderOption {
	return func(b *Builder) { b.newID = NewIDGenerator(s) }
}

func WithAuthorizer(a Authorizer) BuilderOption {
	return func(b *Builder) { b.authz = a }
}

func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder defaults to UUIDv4 ids and treats every actor as non-privileged.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		newID: NewIDGenerator(IDStrategyUUID),
		authz: StaticAuthorizer{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build validates c and returns its envelope, or an error describing the
// first invalid field.
func (b *Builder) Build(c Change) (*Envelope, error) {
	if err := validateEntity(c.Entity); err != nil {
		return nil, err
	}
	if c.ID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, c.ID)
	}
	if !c.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, c.Type)
	}

	now := b.now().UTC()
	before := SanitizeRow(c.Before)
	after := SanitizeRow(c.After)
	if !b.authz.IsPrivileged(c.Actor) {
		before = Redact(before)
		after = Redact(after)
	}

	env := &Envelope{
		Entity:         c.Entity,
		ID:             c.ID,
		Type:           c.Type,
		OccurredAt:     now,
		EventID:        b.newID(c, now),
		Actor:          c.Actor,
		RowBefore:      before,
		RowAfter:       after,
		ChangedColumns: filterColumns(c.ChangedColumns),
	}
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate re-checks the required fields of a finished envelope.
func Validate(env *Envelope) error {
	if env == nil {
		return ErrMissingField
	}
	if err := validateEntity(env.Entity); err != nil {
		return err
	}
	if env.ID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidID, env.ID)
	}
	if !env.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, env.Type)
	}
	if env.EventID == "" {
		return fmt.Errorf("%w: event_id", ErrMissingField)
	}
	if env.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at", ErrMissingField)
	}
	return nil
}

func validateEntity(entity string) error {
	if entity == "" || len(entity) > MaxEntityLen || !entityRe.MatchString(entity) {
		return fmt.Errorf("%w: %q", ErrInvalidEntity, entity)
	}
	return nil
}

// ValidEntity reports whether s is usable as an entity or table name.
func ValidEntity(s string) bool {
	return validateEntity(s) == nil
}
