package conversation

import (
	"errors"
	"fmt"

	"discussmatch/pkg/domain"
)

var (
	ErrInvalidTransition   = errors.New("conversation: invalid transition")
	ErrDuplicateInvitation = errors.New("conversation: open conversation already exists for pair")
	ErrNotFound            = errors.New("conversation: not found")
	ErrTopicNotFound       = errors.New("conversation: topic not found")
	ErrNotParticipant      = errors.New("conversation: actor is not a participant")
	ErrNotInvitee          = errors.New("conversation: only the invitee may answer an invitation")
	ErrSelfConfirm         = errors.New("conversation: completion must be confirmed by the other participant")
	ErrInvalidInvitation   = errors.New("conversation: invalid invitation")
	ErrInvalidTimer        = errors.New("conversation: invalid timer")
	ErrInvalidScore        = errors.New("conversation: invalid score")
)

// TransitionError reports an event that the current status does not accept.
type TransitionError struct {
	ConversationID string
	From           domain.ConversationStatus
	Event          Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("conversation %s: cannot %s from %s", e.ConversationID, e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// DuplicateError reports the open conversation that blocked a new invitation.
type DuplicateError struct {
	TopicID      string
	ParticipantA string
	ParticipantB string
	ExistingID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("conversation %s already open between %s and %s on topic %s",
		e.ExistingID, e.ParticipantA, e.ParticipantB, e.TopicID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateInvitation
}
