package events

import (
	"time"

	"github.com/strataga/ghostpirates/internal/escalation"
	"github.com/strataga/ghostpirates/internal/resilience"
)

// EscalationNotifier publishes escalation lifecycle changes on the bus.
type EscalationNotifier struct {
	Bus *EventBus
}

var _ escalation.Notifier = EscalationNotifier{}

func (n EscalationNotifier) EscalationCreated(e *escalation.Escalation) {
	n.Bus.Publish(EscalationCreatedEvent{
		Team:           e.TeamID,
		ID:             e.TaskID,
		EscalationID:   e.ID,
		Severity:       string(e.Severity),
		Reason:         e.Reason,
		CheckpointStep: e.CheckpointStep,
		Timestamp:      e.CreatedAt,
	})
}

func (n EscalationNotifier) EscalationResolved(e *escalation.Escalation) {
	at := time.Now()
	if e.ResolvedAt != nil {
		at = *e.ResolvedAt
	}
	n.Bus.Publish(EscalationResolvedEvent{
		Team:         e.TeamID,
		ID:           e.TaskID,
		EscalationID: e.ID,
		Status:       string(e.Status),
		Retry:        e.RetryRequested,
		Timestamp:    at,
	})
}

// BreakerListener returns a state change callback that publishes on bus.
func BreakerListener(bus *EventBus) resilience.StateChangeFunc {
	return func(name string, from, to resilience.BreakerState) {
		bus.Publish(BreakerStateEvent{
			Name:      name,
			From:      string(from),
			To:        string(to),
			Timestamp: time.Now(),
		})
	}
}
