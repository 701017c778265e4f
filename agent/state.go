package agent

import (
	"context"
	"time"
)

// Status describes where an agent is in its lifecycle.
//
// Transitions: IDLE -> PROCESSING -> IDLE on a successful step,
// PROCESSING -> ERROR on a failed step, and any status -> TERMINATED on
// termination. TERMINATED is absorbing.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusProcessing Status = "PROCESSING"
	StatusError      Status = "ERROR"
	StatusTerminated Status = "TERMINATED"
)

// ProcessingStats aggregates what an agent's processing loop has done so far.
// Processed+Failures never decreases over the life of an agent.
type ProcessingStats struct {
	// Processed counts successfully applied activities.
	Processed uint64

	// Failures counts workflow invocations that returned an error.
	Failures uint64

	// AvgProcessingTime is the running mean of workflow execution time,
	// in seconds. It is a true mean over all invocations, not a decaying
	// average.
	AvgProcessingTime float64

	// LastError is the most recent workflow failure, nil if none occurred.
	LastError error
}

// State is the externally observable snapshot of one agent.
// Snapshots are immutable: the processing loop publishes a fresh State on
// every transition and readers only ever see complete snapshots.
type State[S any] struct {
	// ID names the agent this snapshot belongs to.
	ID ID

	// State is the caller-defined payload produced by the workflow.
	State S

	// Status is the lifecycle position at snapshot time.
	Status Status

	// LastUpdated is when the snapshot was published.
	LastUpdated time.Time

	// Processing summarizes loop activity up to this snapshot.
	Processing ProcessingStats

	// Err is the last captured failure cause. It is set only while
	// Status is StatusError and cleared by the next successful step.
	Err error
}

// Workflow computes an agent's next state from an incoming activity and the
// current state. It is supplied once at agent creation and is the only place
// application logic touches state.
//
// The runtime invokes a workflow for one agent strictly sequentially. A
// returned error marks the step failed: the state is kept, the agent's status
// becomes StatusError, and the loop continues with the next activity.
// Implementations must treat the current state as read-only and return a new
// value instead of mutating shared structures in place.
type Workflow[S any] func(ctx context.Context, act *Activity, state S) (S, error)
