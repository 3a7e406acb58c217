package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunning is returned when a session already has an active run.
	ErrRunning = errors.New("generation is already running")
	// ErrNoCheckpoint is returned by Resume when nothing was saved.
	ErrNoCheckpoint = errors.New("no checkpoint to resume from")
	// ErrUnknownSession is returned for sessions the orchestrator never ran.
	ErrUnknownSession = errors.New("unknown generation session")
)

// PlanCoverageError fails a run whose plan still has gaps after every
// allowed revision.
type PlanCoverageError struct {
	Coverage  Coverage
	Revisions int
}

func (e *PlanCoverageError) Error() string {
	return fmt.Sprintf("plan coverage incomplete after %d revisions: %d%% (%d/%d), missing %s",
		e.Revisions, e.Coverage.Percent, e.Coverage.Covered, e.Coverage.Total, strings.Join(e.Coverage.Gaps, ", "))
}

// VerificationError fails a run whose verification still fails after every
// allowed fix iteration.
type VerificationError struct {
	Issues     int
	Iterations int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed after %d fix iterations with %d open issues", e.Iterations, e.Issues)
}

// PhaseError wraps the error that failed a phase.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err) }

func (e *PhaseError) Unwrap() error { return e.Err }
