package engine

import "context"

// AgentResult is the structured outcome of one agent run. Err is set
// exactly when Success is false.
type AgentResult struct {
	Agent     string
	Success   bool
	Output    string
	Steps     int
	ToolCalls int
	Usage     Usage
	Err       error
}

// Execute runs st to completion and reports the outcome. Partial text is
// never reported as success.
func Execute(ctx context.Context, cfg Config, st *State) AgentResult {
	err := Run(ctx, cfg, st)
	res := AgentResult{
		Agent:     st.Agent,
		Steps:     st.Step,
		ToolCalls: st.ToolCalls,
		Usage:     st.Totals,
	}
	if err != nil {
		cfg.Hooks.OnError(ctx, st, err)
		res.Err = err
		return res
	}
	res.Success = true
	res.Output = st.Output
	return res
}
