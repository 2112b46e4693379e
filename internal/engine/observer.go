package engine

import (
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
)

// Outcome describes what happened to one queued operation during push.
type Outcome string

const (
	// OutcomeSucceeded means the remote call succeeded and the operation left the queue.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeSkipped means the operation was a no-op (vanished record, already synced).
	OutcomeSkipped Outcome = "skipped"
	// OutcomeWaiting means a relation target has not been created remotely yet.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeRetrying means a retryable failure left the operation pending.
	OutcomeRetrying Outcome = "retrying"
	// OutcomeFailed means the operation is terminal until the user acts.
	OutcomeFailed Outcome = "failed"
)

// OperationEvent reports the outcome of one pushed operation.
type OperationEvent struct {
	Operation queue.Operation
	Outcome   Outcome
	RemoteID  string
	Err       error
}

// CycleReport summarizes one full sync cycle.
type CycleReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Push       PushReport
	Pull       PullReport
	Err        error
}

// Observer receives engine notifications. Implementations must not block.
type Observer interface {
	OnOperationComplete(event OperationEvent)
	OnCycleFinished(report CycleReport)
	OnError(err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

// OnOperationComplete does nothing.
func (NopObserver) OnOperationComplete(OperationEvent) {}

// OnCycleFinished does nothing.
func (NopObserver) OnCycleFinished(CycleReport) {}

// OnError does nothing.
func (NopObserver) OnError(error) {}
