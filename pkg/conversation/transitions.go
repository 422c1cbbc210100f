package conversation

import "discussmatch/pkg/domain"

// Event is a lifecycle trigger applied to an existing conversation.
type Event string

const (
	EventAccept            Event = "accept"
	EventReject            Event = "reject"
	EventStart             Event = "start"
	EventRequestCompletion Event = "request_completion"
	EventComplete          Event = "complete"
	EventAIFeedback        Event = "add_ai_feedback"
)

type rule struct {
	from []domain.ConversationStatus
	to   domain.ConversationStatus
	// keep leaves the status unchanged; only fields are written.
	keep bool
}

var rules = map[Event]rule{
	EventAccept:            {from: []domain.ConversationStatus{domain.StatusInvited}, to: domain.StatusWaiting},
	EventReject:            {from: []domain.ConversationStatus{domain.StatusInvited, domain.StatusWaiting}, to: domain.StatusRejected},
	EventStart:             {from: []domain.ConversationStatus{domain.StatusWaiting}, to: domain.StatusActive},
	EventRequestCompletion: {from: []domain.ConversationStatus{domain.StatusActive}, to: domain.StatusCompletionRequested},
	EventComplete:          {from: []domain.ConversationStatus{domain.StatusCompletionRequested}, to: domain.StatusCompleted},
	EventAIFeedback:        {from: []domain.ConversationStatus{domain.StatusActive, domain.StatusCompletionRequested}, keep: true},
}

// Next returns the status reached by applying ev in from.
func Next(from domain.ConversationStatus, ev Event) (domain.ConversationStatus, bool) {
	r, ok := rules[ev]
	if !ok {
		return "", false
	}
	for _, s := range r.from {
		if s == from {
			if r.keep {
				return from, true
			}
			return r.to, true
		}
	}
	return "", false
}
