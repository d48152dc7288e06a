// Package widget defines the contract a job type implements to plug its
// domain logic into the scheduler.
package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmehdipour/jobengine/internal/model"
)

// Config describes a job type and its enqueue defaults.
type Config struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	BatchSize   int    `json:"batch_size"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"max_attempts"`
}

// Validate checks the descriptor. Every violation is reported.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(c.Description) == "" {
		problems = append(problems, "description is required")
	}
	if c.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("batch_size must be >= 1, got %d", c.BatchSize))
	}
	if c.Priority < model.MinPriority || c.Priority > model.MaxPriority {
		problems = append(problems, fmt.Sprintf("priority must be in [%d,%d], got %d", model.MinPriority, model.MaxPriority, c.Priority))
	}
	if c.MaxAttempts < 1 {
		problems = append(problems, fmt.Sprintf("max_attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// Widget is the unit-of-work contract. Items are the job payloads, kept as
// raw JSON so the scheduler never interprets them.
type Widget interface {
	Config() Config

	// Validate checks a payload against the job type's schema at enqueue time.
	Validate(payload json.RawMessage) error

	// DiscoverItems returns candidate payloads to enqueue; may be empty.
	DiscoverItems(ctx context.Context) ([]json.RawMessage, error)

	// Execute runs one item. Errors may be wrapped with Recoverable or
	// Permanent to steer retry.
	Execute(ctx context.Context, item json.RawMessage) (json.RawMessage, error)

	// OnError gives the widget a veto on retrying; it is ANDed with the
	// scheduler's own classification.
	OnError(item json.RawMessage, err error) bool

	OnComplete(ctx context.Context, job model.Job)
	OnFailure(ctx context.Context, job model.Job, err error)
}
