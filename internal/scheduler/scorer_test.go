package scheduler

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreComponents(t *testing.T) {
	tests := []struct {
		name     string
		worker   *Worker
		skills   []string
		skill    float64
		workload float64
		success  float64
	}{
		{
			name:     "fresh coder on coding task",
			worker:   &Worker{Specialization: Coder, MaxConcurrentTasks: 2},
			skills:   []string{"coding"},
			skill:    0.9,
			workload: 1,
			success:  0.5,
		},
		{
			name:     "missing skill counts as zero",
			worker:   &Worker{Specialization: Writer, MaxConcurrentTasks: 4, CurrentWorkload: 1},
			skills:   []string{"writing", "coding"},
			skill:    0.45,
			workload: 0.75,
			success:  0.5,
		},
		{
			name:     "no required skills is neutral",
			worker:   &Worker{Specialization: Tester, MaxConcurrentTasks: 1, TasksCompleted: 3, TasksFailed: 1},
			skill:    0.5,
			workload: 1,
			success:  0.75,
		},
		{
			name:     "zero capacity",
			worker:   &Worker{Specialization: Coder},
			skills:   []string{"CODING "},
			skill:    0.9,
			workload: 0,
			success:  0.5,
		},
		{
			name: "override beats specialization",
			worker: &Worker{Specialization: Coder, MaxConcurrentTasks: 1,
				Skills: map[string]float64{"coding": 0.2}},
			skills:   []string{"coding"},
			skill:    0.2,
			workload: 1,
			success:  0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SkillMatch(tt.worker, tt.skills); !approx(got, tt.skill) {
				t.Errorf("SkillMatch = %v, want %v", got, tt.skill)
			}
			if got := WorkloadScore(tt.worker); !approx(got, tt.workload) {
				t.Errorf("WorkloadScore = %v, want %v", got, tt.workload)
			}
			if got := SuccessRate(tt.worker); !approx(got, tt.success) {
				t.Errorf("SuccessRate = %v, want %v", got, tt.success)
			}

			want := 0.5*tt.skill + 0.3*tt.workload + 0.2*tt.success
			if got := Score(&Task{RequiredSkills: tt.skills}, tt.worker); !approx(got, want) {
				t.Errorf("Score = %v, want %v", got, want)
			}
		})
	}
}

// TestSelectWorkerSkillDominates checks that a skilled busy worker beats an
// idle one without the skill.
func TestSelectWorkerSkillDominates(t *testing.T) {
	task := &Task{ID: "review", RequiredSkills: []string{"code_review"}}
	w := &Worker{ID: "W", Specialization: Reviewer, Status: WorkerActive,
		CurrentWorkload: 2, MaxConcurrentTasks: 3, TasksCompleted: 10, TasksFailed: 1}
	x := &Worker{ID: "X", Specialization: Writer, Status: WorkerIdle, MaxConcurrentTasks: 3}

	best, score, ok := SelectWorker(task, []*Worker{x, w})
	if !ok {
		t.Fatal("expected a worker to be selected")
	}
	if best.ID != "W" {
		t.Fatalf("selected %s, want W", best.ID)
	}

	// 0.5*0.9 + 0.3*(1/3) + 0.2*(10/11)
	want := 0.45 + 0.1 + 0.2*10.0/11.0
	if !approx(score, want) {
		t.Errorf("score = %v, want %v", score, want)
	}
	if sx := Score(task, x); sx >= score {
		t.Errorf("X scored %v, should be below W's %v", sx, score)
	}
}

func TestSelectWorkerTieKeepsFirst(t *testing.T) {
	task := &Task{RequiredSkills: []string{"testing"}}
	a := &Worker{ID: "a", Specialization: Tester, Status: WorkerIdle, MaxConcurrentTasks: 2}
	b := &Worker{ID: "b", Specialization: Tester, Status: WorkerIdle, MaxConcurrentTasks: 2}

	for i := 0; i < 10; i++ {
		best, _, _ := SelectWorker(task, []*Worker{a, b})
		if best.ID != "a" {
			t.Fatalf("tie resolved to %s, want first candidate", best.ID)
		}
	}
}

func TestSelectWorkerSkipsUnavailable(t *testing.T) {
	task := &Task{RequiredSkills: []string{"coding"}}
	tests := []struct {
		name    string
		workers []*Worker
	}{
		{"empty", nil},
		{"offline", []*Worker{{ID: "o", Specialization: Coder, Status: WorkerOffline, MaxConcurrentTasks: 1}}},
		{"failed", []*Worker{{ID: "f", Specialization: Coder, Status: WorkerFailed, MaxConcurrentTasks: 1}}},
		{"full", []*Worker{{ID: "b", Specialization: Coder, Status: WorkerBusy, CurrentWorkload: 1, MaxConcurrentTasks: 1}}},
		{"nil entry", []*Worker{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if best, _, ok := SelectWorker(task, tt.workers); ok {
				t.Fatalf("selected %s, expected none", best.ID)
			}
		})
	}
}

// TestScoreBounded checks the score stays in [0, 1] and never depends on anything
// but the inputs.
func TestScoreBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(0, 10).Draw(t, "capacity")
		workload := 0
		if capacity > 0 {
			workload = rapid.IntRange(0, capacity).Draw(t, "workload")
		}
		w := &Worker{
			Specialization:     Specialization(rapid.IntRange(int(Researcher), int(Writer)).Draw(t, "spec")),
			Status:             WorkerIdle,
			CurrentWorkload:    workload,
			MaxConcurrentTasks: capacity,
			TasksCompleted:     rapid.IntRange(0, 1000).Draw(t, "completed"),
			TasksFailed:        rapid.IntRange(0, 1000).Draw(t, "failed"),
		}
		skills := rapid.SliceOfN(rapid.SampledFrom([]string{
			"coding", "testing", "writing", "research", "code_review", "juggling",
		}), 0, 4).Draw(t, "skills")
		task := &Task{RequiredSkills: skills}

		s := Score(task, w)
		if s < 0 || s > 1 {
			t.Fatalf("score %v out of range", s)
		}
		if again := Score(task, w); again != s {
			t.Fatalf("score not deterministic: %v vs %v", s, again)
		}
	})
}
