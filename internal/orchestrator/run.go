package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/agents"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/session"
	"github.com/ChamsBouzaiene/forge/internal/tools"
)

// drive runs phases starting at next until the run ends.
func (o *Orchestrator) drive(ctx context.Context, r *run, next Phase) Result {
	for !next.Terminal() {
		if ctx.Err() != nil {
			return o.abort(r)
		}
		if err := o.enter(r, next); err != nil {
			return o.fail(r, err)
		}
		after, err := o.execute(ctx, r, next)
		if err != nil {
			if ctx.Err() != nil {
				return o.abort(r)
			}
			return o.fail(r, &PhaseError{Phase: next, Err: err})
		}
		o.finish(ctx, r, next, after)
		next = after
	}
	if !CanTransition(r.current, PhaseComplete) {
		return o.fail(r, &TransitionError{From: r.current, To: PhaseComplete})
	}
	return o.complete(r)
}

func (o *Orchestrator) enter(r *run, p Phase) error {
	if !CanTransition(r.current, p) {
		return &TransitionError{From: r.current, To: p}
	}
	r.current = p
	rec := r.record(p)
	now := time.Now().UTC()
	rec.Status = StatusActive
	rec.Attempts++
	rec.StartedAt = &now
	rec.EndedAt = nil

	_ = o.deps.Sessions.SetPhase(r.sess.ID, string(p))
	r.emitter.WithPhase(string(p)).Emit(events.PhaseStarted, map[string]any{
		"phase":   string(p),
		"label":   p.Label(),
		"agent":   p.Agent(),
		"attempt": rec.Attempts,
	})
	r.log.Info("phase started", "phase", p, "attempt", rec.Attempts)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, r *run, p, next Phase) {
	rec := r.record(p)
	now := time.Now().UTC()
	rec.Status = StatusCompleted
	rec.EndedAt = &now
	r.emitter.WithPhase(string(p)).Emit(events.PhaseCompleted, map[string]any{
		"phase": string(p),
		"next":  string(next),
	})
	o.checkpoint(ctx, r, p, next)
}

// execute runs one phase and returns the phase to go to.
func (o *Orchestrator) execute(ctx context.Context, r *run, p Phase) (Phase, error) {
	switch p {
	case PhaseIntake:
		return PhaseResearch, o.runAgent(ctx, r, agents.Intake(), 0)
	case PhaseResearch:
		return PhaseArchitecture, o.runAgent(ctx, r, agents.Research(), 0)
	case PhaseArchitecture:
		return PhasePlanValidation, o.runAgent(ctx, r, agents.Architect(), r.planRevisions)
	case PhasePlanValidation:
		return o.validatePlan(r)
	case PhaseBuilding:
		return PhaseVerification, o.runAgent(ctx, r, agents.Builder(), r.fixIterations)
	case PhaseVerification:
		return o.verify(ctx, r)
	case PhaseDeployment:
		if err := o.runAgent(ctx, r, agents.Deployer(), 0); err != nil {
			return PhaseFailed, err
		}
		r.deployURL = deploymentURL(r)
		return PhaseComplete, nil
	}
	return PhaseFailed, fmt.Errorf("no handler for phase %s", p)
}

func (o *Orchestrator) runAgent(ctx context.Context, r *run, def agents.Definition, iteration int) error {
	env := agents.Env{
		SessionID:      r.sess.ID,
		Store:          r.store,
		Emitter:        r.emitter.WithPhase(string(r.current)),
		Budget:         r.budget,
		Sessions:       o.deps.Sessions,
		AskTimeout:     o.askTimeout(r),
		NonInteractive: !r.sess.Options.Interactive,
		Web:            o.deps.Web,
		Deployer:       o.deps.Deployer,
	}
	if o.deps.Responses != nil {
		env.Asker = o.deps.Responses
	}
	in := agents.Input{
		Prompt:      r.sess.Prompt,
		ProjectName: r.sess.ProjectName,
		Feedback:    r.feedback,
		Iteration:   iteration,
	}
	res := o.deps.Runtime.Run(ctx, def, env, in)
	r.feedback = ""
	if !res.Success {
		return res.Err
	}
	r.log.Info("agent completed", "agent", def.Name, "steps", res.Steps, "tool_calls", res.ToolCalls, "tokens", res.Usage.Total)
	return nil
}

func (o *Orchestrator) askTimeout(r *run) time.Duration {
	if r.sess.Options.AskTimeout > 0 {
		return r.sess.Options.AskTimeout
	}
	return o.cfg.AskTimeout
}

func (o *Orchestrator) validatePlan(r *run) (Phase, error) {
	reqs, err := agents.ReadRequirements(r.store)
	if err != nil {
		return PhaseFailed, err
	}
	plan, err := agents.ReadPlan(r.store)
	if err != nil {
		return PhaseFailed, err
	}
	cov := ValidatePlanCoverage(reqs, plan)
	r.coverage = &cov
	r.emitter.WithPhase(string(PhasePlanValidation)).Emit(events.AgentProgress, map[string]any{
		"progress": cov.Percent,
		"message":  fmt.Sprintf("plan covers %d/%d requirements", cov.Covered, cov.Total),
		"coverage": cov,
	})
	if cov.IsComplete {
		return PhaseBuilding, nil
	}
	if r.planRevisions >= o.cfg.MaxPlanRevisions {
		return PhaseFailed, &PlanCoverageError{Coverage: cov, Revisions: r.planRevisions}
	}
	r.planRevisions++
	r.feedback = agents.FormatGaps(reqs, cov.Gaps)
	o.revert(r, PhasePlanValidation, PhaseArchitecture, "plan coverage incomplete", r.planRevisions, cov.Gaps)
	return PhaseArchitecture, nil
}

func (o *Orchestrator) verify(ctx context.Context, r *run) (Phase, error) {
	if err := o.runAgent(ctx, r, agents.Verifier(), r.fixIterations); err != nil {
		return PhaseFailed, err
	}
	report, err := agents.ReadReport(r.store)
	if err != nil {
		return PhaseFailed, err
	}
	if report.Passed {
		if r.sess.Options.SkipDeployment || o.deps.Deployer == nil {
			o.skip(r, PhaseDeployment)
			return PhaseComplete, nil
		}
		return PhaseDeployment, nil
	}
	if r.fixIterations >= o.cfg.MaxFixIterations {
		return PhaseFailed, &VerificationError{Issues: len(report.Issues), Iterations: r.fixIterations}
	}
	r.fixIterations++
	r.feedback = agents.FormatIssues(report.Issues)
	items := make([]string, 0, len(report.Issues))
	for _, is := range report.Issues {
		items = append(items, is.Problem)
	}
	o.revert(r, PhaseVerification, PhaseBuilding, "verification failed", r.fixIterations, items)
	return PhaseBuilding, nil
}

func (o *Orchestrator) revert(r *run, from, to Phase, reason string, iteration int, items []string) {
	r.emitter.WithPhase(string(from)).Emit(events.PhaseReverted, map[string]any{
		"from":      string(from),
		"to":        string(to),
		"reason":    reason,
		"iteration": iteration,
		"items":     items,
	})
	r.log.Info("phase reverted", "from", from, "to", to, "reason", reason, "iteration", iteration)
}

func (o *Orchestrator) skip(r *run, p Phase) {
	rec := r.record(p)
	rec.Status = StatusSkipped
	reason := "deployment disabled"
	if o.deps.Deployer == nil {
		reason = "no deployer configured"
	}
	r.emitter.WithPhase(string(p)).Emit(events.PhaseSkipped, map[string]any{"phase": string(p), "reason": reason})
}

func (o *Orchestrator) checkpoint(ctx context.Context, r *run, p, next Phase) {
	if o.deps.Checkpoints == nil {
		return
	}
	cp := Checkpoint{
		SessionID:     r.sess.ID,
		Prompt:        r.sess.Prompt,
		ProjectName:   r.sess.ProjectName,
		Options:       r.sess.Options,
		Phase:         p,
		Next:          next,
		PlanRevisions: r.planRevisions,
		FixIterations: r.fixIterations,
		Feedback:      r.feedback,
		Records:       append([]PhaseRecord(nil), r.records...),
		Documents:     r.store.Snapshot(),
		SavedAt:       time.Now().UTC(),
	}
	data, err := encodeCheckpoint(cp)
	if err == nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = o.deps.Checkpoints.SaveCheckpoint(saveCtx, r.sess.ID, string(p), data)
		cancel()
	}
	if err != nil {
		r.log.Warn("checkpoint not saved", "phase", p, "error", err)
		return
	}
	r.emitter.WithPhase(string(p)).Emit(events.CheckpointSaved, map[string]any{
		"phase":     string(p),
		"next":      string(next),
		"documents": len(cp.Documents),
	})
}

func (o *Orchestrator) complete(r *run) Result {
	r.current = PhaseComplete
	res := o.result(r, session.StatusCompleted, nil)
	_ = o.deps.Sessions.SetPhase(r.sess.ID, string(PhaseComplete))
	_ = o.deps.Sessions.Complete(r.sess.ID, session.StatusCompleted, "")
	o.settle(r, res)
	r.emitter.Emit(events.GenerationCompleted, terminalPayload(res))
	r.log.Info("generation completed", "files", countFiles(res.Artifacts), "cost_usd", res.Usage.CostUSD)
	return res
}

func (o *Orchestrator) fail(r *run, err error) Result {
	failed := r.current
	if rec := r.find(failed); rec != nil && rec.Status == StatusActive {
		now := time.Now().UTC()
		rec.Status = StatusFailed
		rec.EndedAt = &now
	}
	r.emitter.WithPhase(string(failed)).Emit(events.PhaseFailed, map[string]any{
		"phase": string(failed),
		"error": err.Error(),
	})
	r.current = PhaseFailed
	res := o.result(r, session.StatusFailed, err)
	res.Phase = failed
	_ = o.deps.Sessions.SetPhase(r.sess.ID, string(PhaseFailed))
	_ = o.deps.Sessions.Complete(r.sess.ID, session.StatusFailed, err.Error())
	r.store.UnsubscribeAll()
	o.settle(r, res)
	r.emitter.Emit(events.GenerationFailed, terminalPayload(res))
	r.log.Error("generation failed", "phase", failed, "error", err)
	return res
}

func (o *Orchestrator) abort(r *run) Result {
	stopped := r.current
	if rec := r.find(stopped); rec != nil && rec.Status == StatusActive {
		now := time.Now().UTC()
		rec.Status = StatusFailed
		rec.EndedAt = &now
	}
	r.current = PhaseAborted
	res := o.result(r, session.StatusAborted, context.Canceled)
	res.Phase = stopped
	_ = o.deps.Sessions.SetPhase(r.sess.ID, string(PhaseAborted))
	_ = o.deps.Sessions.Complete(r.sess.ID, session.StatusAborted, "aborted")
	if o.deps.Responses != nil {
		o.deps.Responses.CloseSession(r.sess.ID)
	}
	r.store.UnsubscribeAll()
	o.settle(r, res)
	r.emitter.Emit(events.GenerationAborted, terminalPayload(res))
	r.log.Info("generation aborted", "phase", stopped)
	return res
}

// settle publishes the result before the terminal event goes out.
func (o *Orchestrator) settle(r *run, res Result) {
	o.mu.Lock()
	r.result = res
	r.active = false
	o.mu.Unlock()
}

func (o *Orchestrator) result(r *run, status session.Status, err error) Result {
	res := Result{
		SessionID:     r.sess.ID,
		Status:        status,
		Phase:         r.current,
		Phases:        append([]PhaseRecord(nil), r.records...),
		Coverage:      r.coverage,
		Artifacts:     artifacts(r),
		DeploymentURL: r.deployURL,
		Usage:         r.budget.Totals(),
		Agents:        r.budget.All(),
		Err:           err,
	}
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, context.Canceled) {
			res.Error = "aborted"
		}
	}
	res.Summary = summarize(r, res)
	return res
}

func (r *run) record(p Phase) *PhaseRecord {
	if rec := r.find(p); rec != nil {
		return rec
	}
	r.records = append(r.records, PhaseRecord{ID: p, Label: p.Label(), Status: StatusPending, Agent: p.Agent()})
	return &r.records[len(r.records)-1]
}

func (r *run) find(p Phase) *PhaseRecord {
	for i := range r.records {
		if r.records[i].ID == p {
			return &r.records[i]
		}
	}
	return nil
}

func artifacts(r *run) []Artifact {
	snap := r.store.Snapshot()
	out := make([]Artifact, 0, len(snap))
	for p, d := range snap {
		out = append(out, Artifact{Path: p, Version: d.Version, Bytes: len(d.Content), UpdatedBy: d.UpdatedBy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func countFiles(arts []Artifact) int {
	n := 0
	for _, a := range arts {
		if strings.HasPrefix(a.Path, tools.FilesPrefix+"/") {
			n++
		}
	}
	return n
}

func deploymentURL(r *run) string {
	doc, err := r.store.Read(tools.DeploymentDocPath, 0)
	if err != nil {
		return ""
	}
	var out struct {
		URL string `json:"url"`
	}
	if json.Unmarshal([]byte(doc.Content), &out) != nil {
		return ""
	}
	return out.URL
}

func summarize(r *run, res Result) string {
	var b strings.Builder
	switch res.Status {
	case session.StatusCompleted:
		fmt.Fprintf(&b, "Generated %d files for %q", countFiles(res.Artifacts), r.sess.ProjectName)
	case session.StatusAborted:
		fmt.Fprintf(&b, "Aborted %q during %s with %d files written", r.sess.ProjectName, res.Phase, countFiles(res.Artifacts))
	default:
		fmt.Fprintf(&b, "Failed %q during %s with %d files written", r.sess.ProjectName, res.Phase, countFiles(res.Artifacts))
	}
	if res.Coverage != nil {
		fmt.Fprintf(&b, "; plan covers %d/%d requirements", res.Coverage.Covered, res.Coverage.Total)
	}
	if res.DeploymentURL != "" {
		fmt.Fprintf(&b, "; deployed to %s", res.DeploymentURL)
	}
	fmt.Fprintf(&b, "; %d model calls, %d tokens, $%.4f", res.Usage.Calls, res.Usage.TotalTokens, res.Usage.CostUSD)
	return b.String()
}

func terminalPayload(res Result) map[string]any {
	p := map[string]any{
		"summary":   res.Summary,
		"status":    string(res.Status),
		"phase":     string(res.Phase),
		"artifacts": res.Artifacts,
		"usage":     res.Usage,
	}
	if res.Error != "" {
		p["error"] = res.Error
	}
	if res.DeploymentURL != "" {
		p["url"] = res.DeploymentURL
	}
	if res.Coverage != nil {
		p["coverage"] = *res.Coverage
	}
	return p
}
