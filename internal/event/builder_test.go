package event

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

func TestBuild_StripsSensitiveColumns(t *testing.T) {
	b := NewBuilder(WithClock(func() time.Time { return fixedNow }))

	env, err := b.Build(Change{
		Entity:         "user",
		ID:             42,
		Type:           TypeUpdated,
		Before:         Row{"password": "x", "name": "Bob"},
		After:          Row{"password": "y", "name": "Bob2"},
		ChangedColumns: []string{"name"},
		Actor:          7,
	})
	require.NoError(t, err)

	assert.Equal(t, Row{"name": "Bob"}, env.RowBefore)
	assert.Equal(t, Row{"name": "Bob2"}, env.RowAfter)
	assert.Equal(t, []string{"name"}, env.ChangedColumns)
	assert.Equal(t, int64(7), env.Actor)
	assert.Equal(t, "user", env.Entity)
	assert.Equal(t, int64(42), env.ID)
	assert.Equal(t, TypeUpdated, env.Type)
	assert.Equal(t, time.UTC, env.OccurredAt.Location())
	assert.True(t, env.OccurredAt.Equal(fixedNow))
	assert.NotEmpty(t, env.EventID)
}

func TestBuild_RejectsInvalidInput(t *testing.T) {
	b := NewBuilder()

	tests := []struct {
		name string
		c    Change
		want error
	}{
		{"empty entity", Change{Entity: "", ID: 1, Type: TypeCreated}, ErrInvalidEntity},
		{"entity starts with digit", Change{Entity: "1user", ID: 1, Type: TypeCreated}, ErrInvalidEntity},
		{"entity with dash", Change{Entity: "user-x", ID: 1, Type: TypeCreated}, ErrInvalidEntity},
		{"entity too long", Change{Entity: strings.Repeat("a", 51), ID: 1, Type: TypeCreated}, ErrInvalidEntity},
		{"zero id", Change{Entity: "user", ID: 0, Type: TypeCreated}, ErrInvalidID},
		{"negative id", Change{Entity: "user", ID: -3, Type: TypeCreated}, ErrInvalidID},
		{"unknown type", Change{Entity: "user", ID: 1, Type: "upserted"}, ErrInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := b.Build(tt.c)
			assert.Nil(t, env)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBuild_EntityAtLengthLimit(t *testing.T) {
	env, err := NewBuilder().Build(Change{Entity: "_" + strings.Repeat("a", 49), ID: 1, Type: TypeDeleted})
	require.NoError(t, err)
	assert.Len(t, env.Entity, 50)
}

func TestBuild_RedactsForNonPrivilegedActor(t *testing.T) {
	row := Row{
		"id":          int64(5),
		"status":      "pending",
		"title":       "hello",
		"body":        "private text",
		"created_at":  "2026-01-01",
		"owner_email": "a@b.c",
	}

	public, err := NewBuilder().Build(Change{Entity: "post", ID: 5, Type: TypeCreated, After: row, Actor: 3})
	require.NoError(t, err)
	assert.Equal(t, Row{"id": int64(5), "status": "pending", "title": "hello", "created_at": "2026-01-01"}, public.RowAfter)

	full, err := NewBuilder(WithAuthorizer(NewStaticAuthorizer(1))).
		Build(Change{Entity: "post", ID: 5, Type: TypeCreated, After: row, Actor: 1})
	require.NoError(t, err)
	assert.Equal(t, "private text", full.RowAfter["body"])
	assert.Equal(t, "a@b.c", full.RowAfter["owner_email"])
}

func TestBuild_DropsSensitiveChangedColumns(t *testing.T) {
	env, err := NewBuilder().Build(Change{
		Entity:         "user",
		ID:             1,
		Type:           TypeUpdated,
		ChangedColumns: []string{"name", "password_hash", "API_KEY"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, env.ChangedColumns)
}

func TestIDStrategies(t *testing.T) {
	c := Change{Entity: "job", ID: 9, Type: TypeCreated}

	uuidRe := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	ulidRe := regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)
	hashRe := regexp.MustCompile(`^[0-9a-f]{32}$`)

	tests := []struct {
		strategy IDStrategy
		re       *regexp.Regexp
	}{
		{IDStrategyUUID, uuidRe},
		{IDStrategyULID, ulidRe},
		{IDStrategyHash, hashRe},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			gen := NewIDGenerator(tt.strategy)
			seen := make(map[string]struct{}, 200)
			for i := 0; i < 200; i++ {
				id := gen(c, fixedNow)
				assert.Regexp(t, tt.re, id)
				_, dup := seen[id]
				require.False(t, dup, "duplicate id %s", id)
				seen[id] = struct{}{}
			}
		})
	}
}

func TestParseIDStrategy(t *testing.T) {
	assert.Equal(t, IDStrategyUUID, ParseIDStrategy(""))
	assert.Equal(t, IDStrategyUUID, ParseIDStrategy("nope"))
	assert.Equal(t, IDStrategyULID, ParseIDStrategy("timestamp"))
	assert.Equal(t, IDStrategyULID, ParseIDStrategy(" ULID "))
	assert.Equal(t, IDStrategyHash, ParseIDStrategy("hash"))
}

func TestValidate(t *testing.T) {
	env := &Envelope{Entity: "job", ID: 1, Type: TypeBulk, OccurredAt: fixedNow, EventID: "e1"}
	assert.NoError(t, Validate(env))

	assert.ErrorIs(t, Validate(nil), ErrMissingField)

	bad := *env
	bad.EventID = ""
	assert.ErrorIs(t, Validate(&bad), ErrMissingField)

	bad = *env
	bad.Type = "nope"
	assert.ErrorIs(t, Validate(&bad), ErrInvalidType)

	bad = *env
	bad.OccurredAt = time.Time{}
	assert.ErrorIs(t, Validate(&bad), ErrMissingField)
}
