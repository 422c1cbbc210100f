package store

import (
	"context"
	"time"

	"discussmatch/pkg/domain"
)

// Store defines record-level persistence for topics, opinions, profiles and
// conversations. Each call is independently atomic; there is no cross-call
// transaction.
type Store interface {
	// topics
	SaveTopic(ctx context.Context, topic domain.Topic) error
	GetTopic(ctx context.Context, id string) (domain.Topic, bool, error)
	ListTopics(ctx context.Context) ([]domain.Topic, error)

	// opinions
	SaveOpinion(ctx context.Context, opinion domain.TopicOpinion) error
	GetOpinionByUserTopic(ctx context.Context, userID, topicID string) (domain.TopicOpinion, bool, error)
	ListOpinionsByTopic(ctx context.Context, topicID string) ([]domain.TopicOpinion, error)

	// profiles
	CreateProfile(ctx context.Context, profile domain.UserProfile) error
	GetProfileByUser(ctx context.Context, userID string) (domain.UserProfile, bool, error)
	ListProfilesByUsers(ctx context.Context, userIDs []string) ([]domain.UserProfile, error)
	UpdateProfile(ctx context.Context, id string, patch ProfilePatch) error

	// conversations
	CreateConversation(ctx context.Context, conversation domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	FindConversations(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error
}

// ProfilePatch lists the profile fields to overwrite. Nil fields are left untouched.
type ProfilePatch struct {
	DisplayName            *string
	AvatarColor            *string
	Level                  *int
	TotalPoints            *int
	ConversationsCompleted *int
	Badges                 []string
	HighestScores          map[string]int
}

// ConversationPatch lists the conversation fields to overwrite. Nil fields are left untouched.
type ConversationPatch struct {
	Status                *domain.ConversationStatus
	StartedAt             *time.Time
	Participant1Score     domain.Score
	Participant2Score     domain.Score
	CompletionRequestedBy *string
	CompletionFeedback    []domain.FeedbackEntry
	AIFeedback            []domain.Suggestion
}

// ConversationFilter selects conversations. Empty fields do not constrain.
// One entry in Participants matches either slot; two entries match the pair
// in either slot order.
type ConversationFilter struct {
	TopicID        string
	Participants   []string
	Participant1ID string
	Participant2ID string
	Statuses       []domain.ConversationStatus
}

// Matches reports whether c satisfies the filter.
func (f ConversationFilter) Matches(c domain.Conversation) bool {
	if f.TopicID != "" && c.TopicID != f.TopicID {
		return false
	}
	if f.Participant1ID != "" && c.Participant1ID != f.Participant1ID {
		return false
	}
	if f.Participant2ID != "" && c.Participant2ID != f.Participant2ID {
		return false
	}
	switch len(f.Participants) {
	case 0:
	case 1:
		if !c.HasParticipant(f.Participants[0]) {
			return false
		}
	default:
		if !c.Involves(f.Participants[0], f.Participants[1]) {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if c.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
