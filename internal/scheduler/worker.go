package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// WorkerStatus represents a worker's availability.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"    // No tasks
	WorkerActive  WorkerStatus = "active"  // Some tasks, spare capacity
	WorkerBusy    WorkerStatus = "busy"    // At capacity
	WorkerOffline WorkerStatus = "offline" // Not accepting work
	WorkerFailed  WorkerStatus = "failed"  // Removed from rotation after errors
)

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerActive, WorkerBusy, WorkerOffline, WorkerFailed:
		return true
	}
	return false
}

// Specialization is the closed set of worker profiles.
type Specialization int

const (
	Researcher Specialization = iota
	Coder
	Reviewer
	Tester
	Writer
)

var specializationNames = map[Specialization]string{
	Researcher: "researcher",
	Coder:      "coder",
	Reviewer:   "reviewer",
	Tester:     "tester",
	Writer:     "writer",
}

// proficiencies maps each specialization to its skill table. Skills are lowercase.
var proficiencies = map[Specialization]map[string]float64{
	Researcher: {
		"research":      0.9,
		"analysis":      0.8,
		"documentation": 0.6,
		"writing":       0.5,
	},
	Coder: {
		"coding":       0.9,
		"debugging":    0.8,
		"api_design":   0.8,
		"architecture": 0.7,
		"testing":      0.5,
	},
	Reviewer: {
		"code_review":   0.9,
		"security":      0.7,
		"architecture":  0.7,
		"documentation": 0.5,
	},
	Tester: {
		"testing":    0.9,
		"qa":         0.9,
		"automation": 0.8,
		"debugging":  0.7,
	},
	Writer: {
		"writing":       0.9,
		"documentation": 0.9,
		"editing":       0.8,
		"research":      0.5,
	},
}

// Specializations returns every specialization in declaration order.
func Specializations() []Specialization {
	return []Specialization{Researcher, Coder, Reviewer, Tester, Writer}
}

func (s Specialization) String() string {
	if name, ok := specializationNames[s]; ok {
		return name
	}
	return fmt.Sprintf("specialization(%d)", int(s))
}

// Proficiency returns the built-in proficiency of s for skill.
func (s Specialization) Proficiency(skill string) (float64, bool) {
	p, ok := proficiencies[s][normalizeSkill(skill)]
	return p, ok
}

// ParseSpecialization resolves a specialization name, case-insensitively.
func ParseSpecialization(name string) (Specialization, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for s, n := range specializationNames {
		if n == needle {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown specialization %q", name)
}

// Worker is an execution agent with a specialization, capacity, and history.
type Worker struct {
	ID                 string
	TeamID             string
	Name               string
	Specialization     Specialization
	Skills             map[string]float64 // Per-worker overrides on top of the specialization table
	Status             WorkerStatus
	CurrentWorkload    int
	MaxConcurrentTasks int
	TasksCompleted     int
	TasksFailed        int
	CreatedAt          time.Time
}

// Proficiency returns the worker's proficiency for skill. Overrides win.
func (w *Worker) Proficiency(skill string) (float64, bool) {
	if p, ok := w.Skills[normalizeSkill(skill)]; ok {
		return p, true
	}
	return w.Specialization.Proficiency(skill)
}

// Available reports whether the worker can accept another task.
func (w *Worker) Available() bool {
	if w.Status != WorkerIdle && w.Status != WorkerActive {
		return false
	}
	return w.CurrentWorkload < w.MaxConcurrentTasks
}

// Validate checks worker invariants.
func (w *Worker) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("worker ID is required")
	}
	if w.TeamID == "" {
		return fmt.Errorf("worker %q has no team", w.ID)
	}
	if !w.Status.Valid() {
		return fmt.Errorf("worker %q has unknown status %q", w.ID, w.Status)
	}
	if _, ok := specializationNames[w.Specialization]; !ok {
		return fmt.Errorf("worker %q has unknown specialization %d", w.ID, w.Specialization)
	}
	if w.MaxConcurrentTasks < 0 || w.CurrentWorkload < 0 || w.CurrentWorkload > w.MaxConcurrentTasks {
		return fmt.Errorf("worker %q workload %d/%d is out of bounds", w.ID, w.CurrentWorkload, w.MaxConcurrentTasks)
	}
	for skill, p := range w.Skills {
		if p < 0 || p > 1 {
			return fmt.Errorf("worker %q proficiency for %q must be within [0, 1]", w.ID, skill)
		}
	}
	return nil
}

// StatusForWorkload derives idle/active/busy from a workload, leaving offline
// and failed workers untouched.
func StatusForWorkload(current WorkerStatus, workload, capacity int) WorkerStatus {
	if current == WorkerOffline || current == WorkerFailed {
		return current
	}
	switch {
	case workload <= 0:
		return WorkerIdle
	case workload >= capacity:
		return WorkerBusy
	default:
		return WorkerActive
	}
}

// CloneWorker returns a deep copy of w.
func CloneWorker(w *Worker) *Worker {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Skills != nil {
		cp.Skills = make(map[string]float64, len(w.Skills))
		for k, v := range w.Skills {
			cp.Skills[k] = v
		}
	}
	return &cp
}

func normalizeSkill(skill string) string {
	return strings.ToLower(strings.TrimSpace(skill))
}
