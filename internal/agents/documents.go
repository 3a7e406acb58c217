package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ChamsBouzaiene/forge/internal/knowledge"
)

// Knowledge paths agents hand work over with.
const (
	RequirementsPath    = "/requirements/main"
	ResearchSummaryPath = "/research/summary"
	PlanPath            = "/architecture/plan"
	ReportPath          = "/verification/report"
)

// Requirement is one testable need extracted by intake.
type Requirement struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// Requirements is the document at RequirementsPath.
type Requirements struct {
	Summary      string        `json:"summary"`
	Requirements []Requirement `json:"requirements"`
	Assumptions  []string      `json:"assumptions,omitempty"`
}

// IDs returns the requirement ids in document order.
func (r Requirements) IDs() []string {
	ids := make([]string, 0, len(r.Requirements))
	for _, req := range r.Requirements {
		ids = append(ids, req.ID)
	}
	return ids
}

// PlanTask is one unit of building work.
type PlanTask struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Files        []string `json:"files,omitempty"`
	Requirements []string `json:"requirements"`
}

// Plan is the document at PlanPath.
type Plan struct {
	Stack string     `json:"stack,omitempty"`
	Files []string   `json:"files,omitempty"`
	Tasks []PlanTask `json:"tasks"`
}

// Issue is one verification finding.
type Issue struct {
	Requirement string `json:"requirement,omitempty"`
	File        string `json:"file,omitempty"`
	Problem     string `json:"problem"`
	Fix         string `json:"fix,omitempty"`
}

// Report is the document at ReportPath.
type Report struct {
	Passed bool    `json:"passed"`
	Issues []Issue `json:"issues,omitempty"`
}

// ParseRequirements decodes and checks a requirements document.
func ParseRequirements(content string) (Requirements, error) {
	var r Requirements
	if err := decode(content, &r); err != nil {
		return r, fmt.Errorf("requirements: %w", err)
	}
	if len(r.Requirements) == 0 {
		return r, errors.New("requirements: document lists no requirements")
	}
	seen := make(map[string]bool, len(r.Requirements))
	for i, req := range r.Requirements {
		if strings.TrimSpace(req.ID) == "" {
			return r, fmt.Errorf("requirements: entry %d has no id", i)
		}
		if seen[req.ID] {
			return r, fmt.Errorf("requirements: duplicate id %s", req.ID)
		}
		seen[req.ID] = true
	}
	return r, nil
}

// ParsePlan decodes and checks a plan document.
func ParsePlan(content string) (Plan, error) {
	var p Plan
	if err := decode(content, &p); err != nil {
		return p, fmt.Errorf("plan: %w", err)
	}
	if len(p.Tasks) == 0 {
		return p, errors.New("plan: document lists no tasks")
	}
	return p, nil
}

// ParseReport decodes a verification report.
func ParseReport(content string) (Report, error) {
	var r Report
	if err := decode(content, &r); err != nil {
		return r, fmt.Errorf("verification report: %w", err)
	}
	if !r.Passed && len(r.Issues) == 0 {
		r.Issues = []Issue{{Problem: "verification failed without listing issues"}}
	}
	return r, nil
}

// ReadRequirements loads the current requirements from store.
func ReadRequirements(store *knowledge.Store) (Requirements, error) {
	doc, err := store.Read(RequirementsPath, 0)
	if err != nil {
		return Requirements{}, err
	}
	return ParseRequirements(doc.Content)
}

// ReadPlan loads the current plan from store.
func ReadPlan(store *knowledge.Store) (Plan, error) {
	doc, err := store.Read(PlanPath, 0)
	if err != nil {
		return Plan{}, err
	}
	return ParsePlan(doc.Content)
}

// ReadReport loads the current verification report from store.
func ReadReport(store *knowledge.Store) (Report, error) {
	doc, err := store.Read(ReportPath, 0)
	if err != nil {
		return Report{}, err
	}
	return ParseReport(doc.Content)
}

// decode accepts plain JSON or JSON wrapped in a markdown code fence.
func decode(content string, v any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
