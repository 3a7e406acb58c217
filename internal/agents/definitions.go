package agents

import (
	"fmt"
	"strings"

	"github.com/ChamsBouzaiene/forge/internal/knowledge"
	"github.com/ChamsBouzaiene/forge/internal/prompts"
	"github.com/ChamsBouzaiene/forge/internal/tools"
)

func with(extra ...tools.Name) []tools.Name {
	return append(append([]tools.Name(nil), tools.Shared...), extra...)
}

// Intake turns the prompt into numbered requirements.
func Intake() Definition {
	return Definition{
		Name:   prompts.Intake,
		Tools:  with(),
		Output: RequirementsPath,
		Task: func(in Input) string {
			return "User request:\n\n" + in.Prompt
		},
		Check: func(store *knowledge.Store) error {
			_, err := ReadRequirements(store)
			return err
		},
	}
}

// Research gathers background for the architect.
func Research() Definition {
	return Definition{
		Name:   prompts.Research,
		Tools:  with(tools.WebSearch, tools.WebFetch),
		Output: ResearchSummaryPath,
		Task: func(in Input) string {
			return fmt.Sprintf("Research what is needed to build %q. The requirements are at %s.", in.ProjectName, RequirementsPath)
		},
	}
}

// Architect writes the task plan.
func Architect() Definition {
	return Definition{
		Name:   prompts.Architect,
		Tools:  with(),
		Output: PlanPath,
		Task: func(in Input) string {
			if in.Feedback != "" {
				return fmt.Sprintf("Revision %d. The plan at %s does not cover every requirement.\n\n%s\n\nRevise the plan so every requirement id is referenced by at least one task.",
					in.Iteration, PlanPath, in.Feedback)
			}
			return fmt.Sprintf("Design %q from %s and %s and write the plan to %s.", in.ProjectName, RequirementsPath, ResearchSummaryPath, PlanPath)
		},
		Check: func(store *knowledge.Store) error {
			_, err := ReadPlan(store)
			return err
		},
	}
}

// Builder writes the project files.
func Builder() Definition {
	return Definition{
		Name:         prompts.Builder,
		Tools:        with(tools.WriteFile),
		Output:       tools.FilesPrefix,
		OutputPrefix: true,
		Task: func(in Input) string {
			if in.Feedback != "" {
				return fmt.Sprintf("Fix round %d. Verification failed with these issues:\n\n%s\n\nFix them with write_file.", in.Iteration, in.Feedback)
			}
			return fmt.Sprintf("Implement every task of %s with write_file.", PlanPath)
		},
	}
}

// Verifier checks the files and writes the report.
func Verifier() Definition {
	return Definition{
		Name:   prompts.Verifier,
		Tools:  with(),
		Output: ReportPath,
		Task: func(in Input) string {
			return fmt.Sprintf("Verify the project files against %s and write the report to %s.", RequirementsPath, ReportPath)
		},
		Check: func(store *knowledge.Store) error {
			_, err := ReadReport(store)
			return err
		},
	}
}

// Deployer publishes the files.
func Deployer() Definition {
	return Definition{
		Name:   prompts.Deployer,
		Tools:  with(tools.Deploy),
		Output: tools.DeploymentDocPath,
		Task: func(in Input) string {
			return fmt.Sprintf("Deploy %q.", in.ProjectName)
		},
	}
}

// FormatGaps renders uncovered requirement ids for the architect.
func FormatGaps(reqs Requirements, gaps []string) string {
	byID := make(map[string]Requirement, len(reqs.Requirements))
	for _, r := range reqs.Requirements {
		byID[r.ID] = r
	}
	var b strings.Builder
	b.WriteString("Uncovered requirements:\n")
	for _, id := range gaps {
		fmt.Fprintf(&b, "- %s: %s\n", id, byID[id].Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatIssues renders failing verification items for the builder.
func FormatIssues(issues []Issue) string {
	var b strings.Builder
	for _, is := range issues {
		b.WriteString("- ")
		if is.Requirement != "" {
			b.WriteString("[" + is.Requirement + "] ")
		}
		if is.File != "" {
			b.WriteString(is.File + ": ")
		}
		b.WriteString(is.Problem)
		if is.Fix != "" {
			b.WriteString(" (fix: " + is.Fix + ")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
