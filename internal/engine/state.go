package engine

// State is the transcript and counters of one agent run.
type State struct {
	Agent     string
	Model     string
	System    string
	History   []ChatMessage
	Step      int // model calls made
	MaxSteps  int
	Done      bool
	Output    string // text of the final turn
	ToolCalls int
	Totals    Usage

	Truncations int    // replies cut off at the output limit
	partial     string // text of truncated replies awaiting their continuation
}

// DefaultMaxSteps is the iteration ceiling of an agent run.
const DefaultMaxSteps = 50

// MaxContinuations bounds how often a reply cut off at the output limit is
// continued before the run fails.
const MaxContinuations = 2

// NewState starts a transcript with the user's task.
func NewState(agent, model, system, task string) *State {
	st := &State{Agent: agent, Model: model, System: system, MaxSteps: DefaultMaxSteps}
	if task != "" {
		st.Append(ChatMessage{Role: RoleUser, Content: task})
	}
	return st
}

func (s *State) Append(msg ChatMessage) { s.History = append(s.History, msg) }
