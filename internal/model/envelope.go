package model

import "encoding/json"

// EnqueueRequest is the message consumed from the intake topic.
type EnqueueRequest struct {
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	DelaySec    int             `json:"delay_sec,omitempty"`
	CreatedBy   int64           `json:"created_by,omitempty"`
}
