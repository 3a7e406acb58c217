package orchestrator

import (
	"fmt"
	"slices"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/prompts"
)

// Phase is a state of the generation state machine.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseIntake         Phase = "intake"
	PhaseResearch       Phase = "research"
	PhaseArchitecture   Phase = "architecture"
	PhasePlanValidation Phase = "plan_validation"
	PhaseBuilding       Phase = "building"
	PhaseVerification   Phase = "verification"
	PhaseDeployment     Phase = "deployment"
	PhaseComplete       Phase = "complete"
	PhaseFailed         Phase = "failed"
	PhaseAborted        Phase = "aborted"
)

// Phases are the working phases in pipeline order.
var Phases = []Phase{
	PhaseIntake, PhaseResearch, PhaseArchitecture, PhasePlanValidation,
	PhaseBuilding, PhaseVerification, PhaseDeployment,
}

var transitions = map[Phase][]Phase{
	PhaseIdle:           {PhaseIntake},
	PhaseIntake:         {PhaseResearch, PhaseFailed, PhaseAborted},
	PhaseResearch:       {PhaseArchitecture, PhaseFailed, PhaseAborted},
	PhaseArchitecture:   {PhasePlanValidation, PhaseFailed, PhaseAborted},
	PhasePlanValidation: {PhaseBuilding, PhaseArchitecture, PhaseFailed, PhaseAborted},
	PhaseBuilding:       {PhaseVerification, PhaseFailed, PhaseAborted},
	PhaseVerification:   {PhaseDeployment, PhaseBuilding, PhaseComplete, PhaseFailed, PhaseAborted},
	PhaseDeployment:     {PhaseComplete, PhaseFailed, PhaseAborted},
}

var labels = map[Phase]string{
	PhaseIntake:         "Understanding the request",
	PhaseResearch:       "Researching",
	PhaseArchitecture:   "Designing the architecture",
	PhasePlanValidation: "Validating plan coverage",
	PhaseBuilding:       "Building",
	PhaseVerification:   "Verifying",
	PhaseDeployment:     "Deploying",
}

var owners = map[Phase]string{
	PhaseIntake:       prompts.Intake,
	PhaseResearch:     prompts.Research,
	PhaseArchitecture: prompts.Architect,
	PhaseBuilding:     prompts.Builder,
	PhaseVerification: prompts.Verifier,
	PhaseDeployment:   prompts.Deployer,
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseAborted
}

// Label is the human-readable name of p.
func (p Phase) Label() string {
	if l, ok := labels[p]; ok {
		return l
	}
	return string(p)
}

// Agent is the agent owning p, empty for plan_validation and end states.
func (p Phase) Agent() string { return owners[p] }

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionError is returned for a move outside the table.
type TransitionError struct {
	From, To Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}

// PhaseStatus is the status of one PhaseRecord.
type PhaseStatus string

const (
	StatusPending   PhaseStatus = "pending"
	StatusActive    PhaseStatus = "active"
	StatusCompleted PhaseStatus = "completed"
	StatusFailed    PhaseStatus = "failed"
	StatusSkipped   PhaseStatus = "skipped"
)

// PhaseRecord tracks one phase of a run. Revisited phases keep one record
// whose Attempts counts the visits.
type PhaseRecord struct {
	ID        Phase       `json:"id"`
	Label     string      `json:"label"`
	Status    PhaseStatus `json:"status"`
	Agent     string      `json:"agent,omitempty"`
	Attempts  int         `json:"attempts"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	EndedAt   *time.Time  `json:"endedAt,omitempty"`
}

func newRecords() []PhaseRecord {
	out := make([]PhaseRecord, 0, len(Phases))
	for _, p := range Phases {
		out = append(out, PhaseRecord{ID: p, Label: p.Label(), Status: StatusPending, Agent: p.Agent()})
	}
	return out
}
