package scheduler

import "fmt"

// ReviewDecision is the outcome of reviewing a task's output.
type ReviewDecision string

const (
	ReviewApproved          ReviewDecision = "approved"
	ReviewRevisionRequested ReviewDecision = "revision_requested"
	ReviewRejected          ReviewDecision = "rejected"
)

// ParseReviewDecision resolves a decision name.
func ParseReviewDecision(s string) (ReviewDecision, error) {
	switch d := ReviewDecision(s); d {
	case ReviewApproved, ReviewRevisionRequested, ReviewRejected:
		return d, nil
	}
	return "", fmt.Errorf("unknown review decision %q", s)
}

// CanRevise reports whether one more revision fits under the task's limit.
func (t *Task) CanRevise() bool {
	return t.RevisionCount < t.MaxRevisions
}
