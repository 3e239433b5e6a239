package plan

import (
	"errors"
	"fmt"
)

// DAG validation errors
var (
	ErrEmptyPlan = errors.New("plan has no steps")
	ErrNoRoot    = errors.New("plan has no root step")
	ErrCycle     = errors.New("plan contains a dependency cycle")
)

// ValidateDAG checks that steps form a valid dependency graph: non-empty,
// unique non-empty ids, every dependency present in the set, at least one
// root, and no cycles. Cycles are detected with Kahn's algorithm.
func ValidateDAG(steps []Step) error {
	if len(steps) == 0 {
		return ErrEmptyPlan
	}

	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return errors.New("step ID cannot be empty")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step ID %q", s.ID)
		}
		ids[s.ID] = true
	}

	roots := 0
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			roots++
		}
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	if roots == 0 {
		return ErrNoRoot
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	ordered := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if ordered < len(steps) {
		return fmt.Errorf("%w: %d of %d steps unreachable", ErrCycle, len(steps)-ordered, len(steps))
	}
	return nil
}

// QualityRules bounds step descriptions
type QualityRules struct {
	MinWords           int
	MaxWords           int
	DuplicateThreshold float64
}

// DefaultQualityRules returns the stock description bounds.
func DefaultQualityRules() QualityRules {
	return QualityRules{
		MinWords:           4,
		MaxWords:           30,
		DuplicateThreshold: 0.7,
	}
}

// ValidateStepQuality reports content problems with the steps: descriptions
// outside the word bounds and pairs of steps whose descriptions are
// near-duplicates. An empty result means the steps passed.
func ValidateStepQuality(steps []Step, rules QualityRules) []string {
	var issues []string

	for _, s := range steps {
		n := WordCount(s.Description)
		if n < rules.MinWords {
			issues = append(issues, fmt.Sprintf("step %s: description too short (%d words, min %d)", s.ID, n, rules.MinWords))
		} else if n > rules.MaxWords {
			issues = append(issues, fmt.Sprintf("step %s: description too long (%d words, max %d)", s.ID, n, rules.MaxWords))
		}
	}

	for i := 0; i < len(steps); i++ {
		for j := i + 1; j < len(steps); j++ {
			sim := Jaccard(steps[i].Description, steps[j].Description)
			if sim >= rules.DuplicateThreshold {
				issues = append(issues, fmt.Sprintf("steps %s and %s are semantic duplicates (similarity %.2f)", steps[i].ID, steps[j].ID, sim))
			}
		}
	}

	return issues
}
