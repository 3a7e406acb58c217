package orchestrator

import (
	"math"

	"github.com/ChamsBouzaiene/forge/internal/agents"
)

// Coverage reports how many requirements a plan addresses. Unknown lists
// requirement ids referenced by tasks that do not exist.
type Coverage struct {
	Total      int      `json:"total"`
	Covered    int      `json:"covered"`
	Percent    int      `json:"percent"`
	IsComplete bool     `json:"isComplete"`
	Gaps       []string `json:"gaps,omitempty"`
	Unknown    []string `json:"unknown,omitempty"`
}

// ValidatePlanCoverage checks that every requirement id is referenced by at
// least one plan task. Gaps keep requirement order.
func ValidatePlanCoverage(reqs agents.Requirements, plan agents.Plan) Coverage {
	referenced := make(map[string]bool)
	var order []string
	for _, t := range plan.Tasks {
		for _, id := range t.Requirements {
			if !referenced[id] {
				order = append(order, id)
			}
			referenced[id] = true
		}
	}

	c := Coverage{Total: len(reqs.Requirements)}
	known := make(map[string]bool, c.Total)
	for _, r := range reqs.Requirements {
		known[r.ID] = true
		if referenced[r.ID] {
			c.Covered++
		} else {
			c.Gaps = append(c.Gaps, r.ID)
		}
	}
	for _, id := range order {
		if !known[id] {
			c.Unknown = append(c.Unknown, id)
		}
	}

	if c.Total == 0 {
		c.Percent, c.IsComplete = 100, true
		return c
	}
	c.Percent = int(math.Round(100 * float64(c.Covered) / float64(c.Total)))
	c.IsComplete = c.Covered == c.Total
	return c
}
