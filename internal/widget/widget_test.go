package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{Name: "scan", Description: "scan documents", BatchSize: 1, Priority: 50, MaxAttempts: 3}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"blank name", func(c *Config) { c.Name = "  " }, "name is required"},
		{"no description", func(c *Config) { c.Description = "" }, "description is required"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		{"priority low", func(c *Config) { c.Priority = 0 }, "priority"},
		{"priority high", func(c *Config) { c.Priority = 101 }, "priority"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"explicit recoverable beats text", Recoverable(errors.New("permission denied")), KindRecoverable},
		{"explicit permanent", Permanent(errors.New("whatever")), KindPermanent},
		{"wrapped permanent", fmt.Errorf("call: %w", Permanent(errors.New("x"))), KindPermanent},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), KindRecoverable},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindRecoverable},
		{"invalid credentials text", errors.New("provider said: Invalid Credentials"), KindPermanent},
		{"quota text", errors.New("monthly quota exceeded"), KindPermanent},
		{"malformed text", errors.New("malformed request body"), KindPermanent},
		{"connection refused", errors.New("dial tcp: connection refused"), KindRecoverable},
		{"rate limit", errors.New("429 too many requests"), KindRecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRecoverablePermanentNil(t *testing.T) {
	assert.NoError(t, Recoverable(nil))
	assert.NoError(t, Permanent(nil))
}

type scanItem struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

func newScanWidget() *Typed[scanItem] {
	return &Typed[scanItem]{
		Cfg: validConfig(),
		Check: func(it scanItem) error {
			if it.URL == "" {
				return errors.New("url is required")
			}
			return nil
		},
		Discover: func(context.Context) ([]scanItem, error) {
			return []scanItem{{URL: "a"}, {URL: "b", Depth: 2}}, nil
		},
		Run: func(_ context.Context, it scanItem) (any, error) {
			if it.Depth > 5 {
				return nil, Permanent(errors.New("too deep"))
			}
			return map[string]int{"pages": it.Depth + 1}, nil
		},
		Retry: func(it scanItem, _ error) bool { return it.Depth < 3 },
	}
}

func TestTyped_Validate(t *testing.T) {
	w := newScanWidget()

	assert.NoError(t, w.Validate(json.RawMessage(`{"url":"https://x"}`)))
	assert.EqualError(t, w.Validate(json.RawMessage(`{"depth":1}`)), "url is required")
	assert.Error(t, w.Validate(json.RawMessage(`{"url":"x","extra":true}`)), "unknown fields are rejected")
	assert.Error(t, w.Validate(json.RawMessage(`not json`)))
}

func TestTyped_ExecuteAndHooks(t *testing.T) {
	w := newScanWidget()
	ctx := context.Background()

	res, err := w.Execute(ctx, json.RawMessage(`{"url":"x","depth":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pages":2}`, string(res))

	_, err = w.Execute(ctx, json.RawMessage(`{"url":"x","depth":9}`))
	assert.Equal(t, KindPermanent, Classify(err))

	_, err = w.Execute(ctx, json.RawMessage(`{"nope":1}`))
	assert.Equal(t, KindPermanent, Classify(err), "undecodable payload is permanent")

	assert.True(t, w.OnError(json.RawMessage(`{"url":"x","depth":1}`), errors.New("e")))
	assert.False(t, w.OnError(json.RawMessage(`{"url":"x","depth":4}`), errors.New("e")))

	items, err := w.DiscoverItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"url":"b","depth":2}`, string(items[1]))

	// optional hooks are no-ops when unset
	w.OnComplete(ctx, model.Job{})
	w.OnFailure(ctx, model.Job{}, errors.New("x"))
}

func TestReportProgress(t *testing.T) {
	var got []string
	ctx := WithProgress(context.Background(), func(_ context.Context, m string) { got = append(got, m) })

	ReportProgress(ctx, "10%")
	ReportProgress(context.Background(), "ignored")
	assert.Equal(t, []string{"10%"}, got)
}
