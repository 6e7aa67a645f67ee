package scheduler

// Score weights. Skill dominates so a capable but busy worker beats an idle
// worker that lacks the required skills.
const (
	SkillWeight    = 0.5
	WorkloadWeight = 0.3
	SuccessWeight  = 0.2

	neutralScore = 0.5
)

// SkillMatch averages the worker's proficiency over the required skills.
// Missing skills count as zero; an empty requirement is neutral.
func SkillMatch(w *Worker, required []string) float64 {
	if len(required) == 0 {
		return neutralScore
	}
	var total float64
	for _, skill := range required {
		if p, ok := w.Proficiency(skill); ok {
			total += p
		}
	}
	return total / float64(len(required))
}

// WorkloadScore is the fraction of spare capacity, zero for a worker with no capacity.
func WorkloadScore(w *Worker) float64 {
	if w.MaxConcurrentTasks <= 0 {
		return 0
	}
	return 1 - float64(w.CurrentWorkload)/float64(w.MaxConcurrentTasks)
}

// SuccessRate is completed/(completed+failed), with a neutral prior for new workers.
func SuccessRate(w *Worker) float64 {
	finished := w.TasksCompleted + w.TasksFailed
	if finished == 0 {
		return neutralScore
	}
	return float64(w.TasksCompleted) / float64(finished)
}

// Score computes the weighted suitability of w for t. Pure and deterministic.
func Score(t *Task, w *Worker) float64 {
	return SkillWeight*SkillMatch(w, t.RequiredSkills) +
		WorkloadWeight*WorkloadScore(w) +
		SuccessWeight*SuccessRate(w)
}

// SelectWorker returns the available candidate with the strictly highest score.
// Ties keep the first-encountered candidate, so callers control tie-breaking
// through candidate order; nothing here is randomized.
// Returns ok=false when no candidate is available, which is not an error.
func SelectWorker(t *Task, candidates []*Worker) (best *Worker, score float64, ok bool) {
	for _, w := range candidates {
		if w == nil || !w.Available() {
			continue
		}
		s := Score(t, w)
		if best == nil || s > score {
			best, score = w, s
		}
	}
	return best, score, best != nil
}
