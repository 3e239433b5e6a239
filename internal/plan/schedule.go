package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReadySteps returns the pending steps whose dependencies are all completed
// or skipped, shallowest first. Ties prefer steps that need no tools, then
// shorter descriptions, then the step id.
func ReadySteps(p *Plan) []Step {
	if p == nil {
		return nil
	}

	status := make(map[string]StepStatus, len(p.Steps))
	for _, s := range p.Steps {
		status[s.ID] = s.Status
	}

	var ready []Step
	for _, s := range p.Steps {
		if s.Status != StepPending {
			continue
		}
		if dependenciesResolved(s, status) {
			ready = append(ready, s)
		}
	}

	depth := depthFunc(p)
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if da, db := depth(a.ID), depth(b.ID); da != db {
			return da < db
		}
		if ta, tb := len(a.ToolsNeeded) > 0, len(b.ToolsNeeded) > 0; ta != tb {
			return !ta
		}
		if la, lb := len(a.Description), len(b.Description); la != lb {
			return la < lb
		}
		return a.ID < b.ID
	})
	return ready
}

func dependenciesResolved(s Step, status map[string]StepStatus) bool {
	for _, dep := range s.DependsOn {
		if !status[dep].Resolved() {
			return false
		}
	}
	return true
}

// depthFunc returns a memoized longest-dependency-chain lookup for p.
func depthFunc(p *Plan) func(string) int {
	deps := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		deps[s.ID] = s.DependsOn
	}
	memo := make(map[string]int, len(p.Steps))
	visiting := make(map[string]bool)

	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		// a cycle can only appear in an unvalidated plan
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		d := 0
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			if dd := depth(dep) + 1; dd > d {
				d = dd
			}
		}
		visiting[id] = false
		memo[id] = d
		return d
	}
	return depth
}

// StepUpdate carries the outcome fields recorded with a status change
type StepUpdate struct {
	Status        StepStatus
	ResultSummary string
	SkipReason    string
	SkippedBy     string
	FailureReason string
	Retryable     bool
	// At is the time of the change; zero means now.
	At time.Time
}

// UpdateStepStatus applies u to the named step and recomputes the plan's
// blocked state.
func UpdateStepStatus(p *Plan, stepID string, u StepUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid step status %q", u.Status)
	}
	step, ok := p.Step(stepID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	step.Status = u.Status
	if u.Status == StepInProgress && step.StartedAt == nil {
		step.StartedAt = &at
	}
	if u.Status.IsTerminal() {
		step.CompletedAt = &at
	}
	if u.ResultSummary != "" {
		step.ResultSummary = u.ResultSummary
	}
	if u.SkipReason != "" {
		step.SkipReason = u.SkipReason
	}
	if u.SkippedBy != "" {
		step.SkippedBy = u.SkippedBy
	}
	if u.FailureReason != "" {
		step.FailureReason = u.FailureReason
	}
	step.Retryable = u.Retryable

	RecomputeBlocked(p)
	return nil
}

// RecomputeBlocked refreshes BlockedOn and BlockedReason from step statuses.
func RecomputeBlocked(p *Plan) {
	status := make(map[string]StepStatus, len(p.Steps))
	for _, s := range p.Steps {
		status[s.ID] = s.Status
	}

	var pending []Step
	for _, s := range p.Steps {
		if s.Status == StepPending {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		p.BlockedOn = nil
		p.BlockedReason = ""
		return
	}

	for _, s := range pending {
		if dependenciesResolved(s, status) {
			p.BlockedOn = nil
			p.BlockedReason = ""
			return
		}
	}

	seen := make(map[string]bool)
	failed := []string{}
	for _, s := range pending {
		for _, dep := range s.DependsOn {
			if status[dep] == StepFailed && !seen[dep] {
				seen[dep] = true
				failed = append(failed, dep)
			}
		}
	}
	sort.Strings(failed)

	p.BlockedOn = failed
	if len(failed) == 0 {
		p.BlockedReason = ReasonWaitingOnDependencies
	} else {
		p.BlockedReason = "blocked by failed steps: " + strings.Join(failed, ", ")
	}
}

// Coverage returns the fraction of steps that are completed or skipped.
func Coverage(p *Plan) float64 {
	if p == nil || len(p.Steps) == 0 {
		return 0
	}
	resolved := 0
	for _, s := range p.Steps {
		if s.Status.Resolved() {
			resolved++
		}
	}
	return float64(resolved) / float64(len(p.Steps))
}

// EstimateCost classifies the plan as expensive when any step needs
// external tools.
func EstimateCost(p *Plan) CostClass {
	if p == nil {
		return CostCheap
	}
	for _, s := range p.Steps {
		if len(s.ToolsNeeded) > 0 {
			return CostExpensive
		}
	}
	return CostCheap
}
