package master

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

// Objective is the top-level goal the master decomposes into milestones
// and tasks.
type Objective struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	KeyResults  []string   `json:"key_results"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Milestone is one deliverable slice of an objective.
type Milestone struct {
	ID           string     `json:"id"`
	ObjectiveID  string     `json:"objective_id"`
	Title        string     `json:"title"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	CriticalPath bool       `json:"critical_path"`
	Tasks        []*v1.Task `json:"tasks"`
}

// NewObjective creates an objective with a fresh id.
func NewObjective(title, description string, keyResults []string, deadline *time.Time) *Objective {
	return &Objective{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		KeyResults:  keyResults,
		Deadline:    deadline,
	}
}

// Decompose subdivides an objective into milestones, one per key result
// plus a final integration milestone, and each milestone into implement
// and verify tasks. The verify task depends on the implement task; the
// integration milestone depends on every other milestone's tasks.
func Decompose(obj *Objective) []*Milestone {
	milestones := make([]*Milestone, 0, len(obj.KeyResults)+1)
	deadlines := splitDeadline(obj.Deadline, len(obj.KeyResults)+1)

	var allTaskIDs []string
	for i, kr := range obj.KeyResults {
		m := &Milestone{
			ID:          uuid.New().String(),
			ObjectiveID: obj.ID,
			Title:       kr,
			Deadline:    deadlines[i],
		}

		implement := &v1.Task{
			ID:          uuid.New().String(),
			Title:       fmt.Sprintf("Implement: %s", kr),
			Description: fmt.Sprintf("%s\n\nObjective: %s", kr, obj.Title),
			Priority:    v1.PriorityHigh,
			Type:        v1.TaskTypeDevelopment,
			Tags:        tagsFor(kr),
			CreatedAt:   time.Now().UTC(),
		}
		verify := &v1.Task{
			ID:          uuid.New().String(),
			Title:       fmt.Sprintf("Verify: %s", kr),
			Description: fmt.Sprintf("Validate that %q is met", kr),
			Priority:    v1.PriorityMedium,
			Type:        v1.TaskTypeTesting,
			Tags:        append(tagsFor(kr), "verification"),
			DependsOn:   []string{implement.ID},
			CreatedAt:   time.Now().UTC(),
		}
		m.Tasks = []*v1.Task{implement, verify}
		allTaskIDs = append(allTaskIDs, implement.ID, verify.ID)
		milestones = append(milestones, m)
	}

	integration := &Milestone{
		ID:           uuid.New().String(),
		ObjectiveID:  obj.ID,
		Title:        fmt.Sprintf("Integrate: %s", obj.Title),
		Deadline:     deadlines[len(deadlines)-1],
		CriticalPath: true,
		Tasks: []*v1.Task{{
			ID:          uuid.New().String(),
			Title:       fmt.Sprintf("Integration pass for %s", obj.Title),
			Description: obj.Description,
			Priority:    v1.PriorityCritical,
			Type:        v1.TaskTypeReview,
			Tags:        []string{"integration"},
			DependsOn:   allTaskIDs,
			CreatedAt:   time.Now().UTC(),
		}},
	}
	return append(milestones, integration)
}

// splitDeadline spreads a deadline evenly over n milestones. A nil
// deadline yields nil per-milestone deadlines.
func splitDeadline(deadline *time.Time, n int) []*time.Time {
	out := make([]*time.Time, n)
	if deadline == nil || n == 0 {
		return out
	}
	total := time.Until(*deadline)
	if total <= 0 {
		for i := range out {
			d := *deadline
			out[i] = &d
		}
		return out
	}
	step := total / time.Duration(n)
	for i := range out {
		d := time.Now().Add(step * time.Duration(i+1))
		out[i] = &d
	}
	return out
}

// tagsFor derives dispatch tags from key-result wording.
func tagsFor(keyResult string) []string {
	lower := strings.ToLower(keyResult)
	var tags []string
	for tag, needles := range map[string][]string{
		"frontend": {"ui", "frontend", "component", "page", "view"},
		"backend":  {"api", "backend", "server", "database", "endpoint"},
		"devops":   {"deploy", "pipeline", "docker", "infra", "ci"},
		"qa":       {"test", "coverage", "quality"},
		"security": {"security", "auth", "vulnerab"},
	} {
		for _, needle := range needles {
			if strings.Contains(lower, needle) {
				tags = append(tags, tag)
				break
			}
		}
	}
	if len(tags) == 0 {
		tags = []string{"general"}
	}
	return tags
}
