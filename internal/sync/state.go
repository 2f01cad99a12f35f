package sync

import (
	"errors"
	"fmt"

	"github.com/varnishops/gitvcl/internal/reconcile"
)

// Stage is a state of the run state machine. Stages are reached in
// declaration order; a failure leaves the run in the last stage reached.
type Stage string

const (
	StageInit       Stage = "init"
	StageRepoReady  Stage = "repo_ready"
	StageFetched    Stage = "fetched"
	StageReconciled Stage = "reconciled"
	StageApplied    Stage = "applied"
	StageCommitted  Stage = "committed"
	StagePushed     Stage = "pushed"
	StageDone       Stage = "done"
)

// ErrPushFailed marks a push failure after the local commit succeeded.
var ErrPushFailed = errors.New("push failed")

// StageError is returned when the transition into Stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result describes what a run did
type Result struct {
	Stage     Stage // last stage reached
	Deployed  int
	Plan      *reconcile.Plan
	Committed bool
	Commit    string

	PushAttempted bool
	Pushed        bool
}
