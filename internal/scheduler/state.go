package scheduler

import (
	"fmt"

	"github.com/jmehdipour/jobengine/internal/model"
)

// Trigger is an event that moves a job between statuses.
type Trigger string

const (
	TriggerLock       Trigger = "lock"
	TriggerSucceed    Trigger = "succeed"
	TriggerRetry      Trigger = "retry"
	TriggerFail       Trigger = "fail"
	TriggerStaleRetry Trigger = "stale_retry"
	TriggerStaleFail  Trigger = "stale_fail"
	TriggerExhaust    Trigger = "exhaust"
	TriggerProgress   Trigger = "progress"
	TriggerCancel     Trigger = "cancel"
	TriggerRequeue    Trigger = "requeue"
)

type edge struct {
	from model.JobStatus
	on   Trigger
}

// transitions is the complete job state machine. Every status write the
// scheduler performs is looked up here first; paused has no outgoing edge.
var transitions = map[edge]model.JobStatus{
	{model.StatusPending, TriggerLock}:          model.StatusProcessing,
	{model.StatusProcessing, TriggerSucceed}:    model.StatusCompleted,
	{model.StatusProcessing, TriggerRetry}:      model.StatusPending,
	{model.StatusProcessing, TriggerFail}:       model.StatusFailed,
	{model.StatusProcessing, TriggerStaleRetry}: model.StatusPending,
	{model.StatusProcessing, TriggerStaleFail}:  model.StatusFailed,
	{model.StatusPending, TriggerExhaust}:       model.StatusFailed,
	{model.StatusProcessing, TriggerProgress}:   model.StatusProcessing,
	{model.StatusPending, TriggerCancel}:        model.StatusPaused,
	{model.StatusProcessing, TriggerCancel}:     model.StatusPaused,
	{model.StatusFailed, TriggerRequeue}:        model.StatusPending,
}

// Next returns the status reached from `from` on t.
func Next(from model.JobStatus, t Trigger) (model.JobStatus, error) {
	to, ok := transitions[edge{from, t}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, t)
	}
	return to, nil
}

// Sources lists the statuses t may fire from, in AllStatuses order.
func Sources(t Trigger) []model.JobStatus {
	var out []model.JobStatus
	for _, st := range model.AllStatuses {
		if _, ok := transitions[edge{st, t}]; ok {
			out = append(out, st)
		}
	}
	return out
}
