// Package plan loads goal decompositions written as YAML.
//
// A plan names its tasks with local keys. Build turns those keys into task IDs
// and dependency edges ready for persistence.
package plan

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

// DefaultWorkerCapacity is used when a worker spec leaves capacity unset.
const DefaultWorkerCapacity = 1

// TaskSpec is one task of a plan.
type TaskSpec struct {
	Key                string   `yaml:"key"`
	Parent             string   `yaml:"parent,omitempty"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description,omitempty"`
	AcceptanceCriteria string   `yaml:"acceptance_criteria,omitempty"`
	Skills             []string `yaml:"skills,omitempty"`
	Priority           int      `yaml:"priority,omitempty"`
	EstimatedCost      float64  `yaml:"estimated_cost,omitempty"`
	MaxRevisions       *int     `yaml:"max_revisions,omitempty"`
	DependsOn          []string `yaml:"depends_on,omitempty"`
}

// WorkerSpec is a worker to register with the team.
type WorkerSpec struct {
	Name           string             `yaml:"name"`
	Specialization string             `yaml:"specialization"`
	Capacity       int                `yaml:"capacity,omitempty"`
	Skills         map[string]float64 `yaml:"skills,omitempty"`
}

// Plan is a decomposed goal.
type Plan struct {
	Goal    string       `yaml:"goal"`
	Tasks   []TaskSpec   `yaml:"tasks"`
	Workers []WorkerSpec `yaml:"workers,omitempty"`
}

// Parse decodes a plan and validates it. Unknown fields are rejected.
func Parse(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan is empty")
		}
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads a plan file.
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Validate checks keys, references, priorities, the dependency graph and
// worker proficiencies.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return errors.New("plan has no tasks")
	}

	keys := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.Key == "" {
			return fmt.Errorf("task %d has no key", i)
		}
		if keys[t.Key] {
			return fmt.Errorf("duplicate task key %q", t.Key)
		}
		keys[t.Key] = true
		if strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("task %q has no title", t.Key)
		}
		if t.Priority != 0 && (t.Priority < scheduler.MinPriority || t.Priority > scheduler.MaxPriority) {
			return fmt.Errorf("task %q priority %d outside [%d, %d]", t.Key, t.Priority, scheduler.MinPriority, scheduler.MaxPriority)
		}
		if t.MaxRevisions != nil && *t.MaxRevisions < 0 {
			return fmt.Errorf("task %q has negative max_revisions", t.Key)
		}
	}

	g := scheduler.NewGraph(nil)
	declared := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		// Parents are inserted first, so they must be declared first.
		if t.Parent != "" && !declared[t.Parent] {
			if keys[t.Parent] {
				return fmt.Errorf("task %q is declared before its parent %q", t.Key, t.Parent)
			}
			return fmt.Errorf("task %q has unknown parent %q", t.Key, t.Parent)
		}
		declared[t.Key] = true
		for _, dep := range t.DependsOn {
			if !keys[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.Key, dep)
			}
			if err := g.AddEdge(t.Key, dep); err != nil {
				return fmt.Errorf("task %q depends on %q: %w", t.Key, dep, err)
			}
		}
	}

	for _, w := range p.Workers {
		if _, err := scheduler.ParseSpecialization(w.Specialization); err != nil {
			return fmt.Errorf("worker %q: %w", w.Name, err)
		}
		if w.Capacity < 0 {
			return fmt.Errorf("worker %q has negative capacity", w.Name)
		}
		for skill, prof := range w.Skills {
			if prof < 0 || prof > 1 {
				return fmt.Errorf("worker %q proficiency for %q must be within [0, 1]", w.Name, skill)
			}
		}
	}
	return nil
}

// Build converts the plan into tasks and edges for teamID. newID mints task
// IDs; tasks are stamped in plan order starting at now so the ready-order
// tie-break follows the file. defaultMaxRevisions applies where a task sets none.
func (p *Plan) Build(teamID string, newID func() string, now time.Time, defaultMaxRevisions int) ([]*scheduler.Task, []scheduler.Edge) {
	ids := make(map[string]string, len(p.Tasks))
	for _, t := range p.Tasks {
		ids[t.Key] = newID()
	}

	tasks := make([]*scheduler.Task, 0, len(p.Tasks))
	var edges []scheduler.Edge
	for i, t := range p.Tasks {
		maxRevisions := defaultMaxRevisions
		if t.MaxRevisions != nil {
			maxRevisions = *t.MaxRevisions
		}
		tasks = append(tasks, &scheduler.Task{
			ID:                 ids[t.Key],
			TeamID:             teamID,
			ParentID:           ids[t.Parent],
			Title:              t.Title,
			Description:        t.Description,
			AcceptanceCriteria: t.AcceptanceCriteria,
			Priority:           t.Priority,
			RequiredSkills:     t.Skills,
			MaxRevisions:       maxRevisions,
			EstimatedCost:      t.EstimatedCost,
			CreatedAt:          now.Add(time.Duration(i)),
		})
		for _, dep := range t.DependsOn {
			edges = append(edges, scheduler.Edge{TaskID: ids[t.Key], DependsOnID: ids[dep]})
		}
	}
	return tasks, edges
}

// BuildWorkers converts the worker specs for teamID.
func (p *Plan) BuildWorkers(teamID string, newID func() string) []*scheduler.Worker {
	workers := make([]*scheduler.Worker, 0, len(p.Workers))
	for _, w := range p.Workers {
		spec, _ := scheduler.ParseSpecialization(w.Specialization)
		capacity := w.Capacity
		if capacity == 0 {
			capacity = DefaultWorkerCapacity
		}
		workers = append(workers, &scheduler.Worker{
			ID:                 newID(),
			TeamID:             teamID,
			Name:               w.Name,
			Specialization:     spec,
			Skills:             w.Skills,
			MaxConcurrentTasks: capacity,
		})
	}
	return workers
}
