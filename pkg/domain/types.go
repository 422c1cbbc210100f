package domain

import (
	"strings"
	"time"
)

// Stance is a user's ordinal position on a topic.
type Stance string

const (
	StanceStronglyDisagree Stance = "strongly_disagree"
	StanceDisagree         Stance = "disagree"
	StanceNeutral          Stance = "neutral"
	StanceAgree            Stance = "agree"
	StanceStronglyAgree    Stance = "strongly_agree"
)

// stanceScale is ordered from index 0 to 4.
var stanceScale = [...]Stance{
	StanceStronglyDisagree,
	StanceDisagree,
	StanceNeutral,
	StanceAgree,
	StanceStronglyAgree,
}

// Stances returns the five stances in ordinal order.
func Stances() []Stance {
	out := make([]Stance, len(stanceScale))
	copy(out, stanceScale[:])
	return out
}

// Index returns the ordinal position of the stance on the five-value scale.
func (s Stance) Index() (int, bool) {
	for i, v := range stanceScale {
		if v == s {
			return i, true
		}
	}
	return 0, false
}

// Valid reports whether s is one of the five known stances.
func (s Stance) Valid() bool {
	_, ok := s.Index()
	return ok
}

// ParseStance normalizes raw input into a Stance.
func ParseStance(raw string) (Stance, bool) {
	s := Stance(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", false
	}
	return s, true
}

type ConversationStatus string

const (
	StatusInvited             ConversationStatus = "invited"
	StatusWaiting             ConversationStatus = "waiting"
	StatusActive              ConversationStatus = "active"
	StatusCompletionRequested ConversationStatus = "completion_requested"
	StatusCompleted           ConversationStatus = "completed"
	StatusRejected            ConversationStatus = "rejected"

	// StatusExpired is never stored. It is reported by EffectiveStatus when a
	// non-terminal conversation is past its expires_at.
	StatusExpired ConversationStatus = "expired"
)

// Terminal reports whether no further transition is possible from the status.
func (s ConversationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// Valid reports whether s is a storable status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusInvited, StatusWaiting, StatusActive, StatusCompletionRequested, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// NonTerminalStatuses lists every stored status a conversation can still leave.
func NonTerminalStatuses() []ConversationStatus {
	return []ConversationStatus{StatusInvited, StatusWaiting, StatusActive, StatusCompletionRequested}
}

type Topic struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"createdAt"`
}

type TopicOpinion struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	TopicID          string    `json:"topicId"`
	Stance           Stance    `json:"stance"`
	Reasoning        string    `json:"reasoning,omitempty"`
	WillingToDiscuss bool      `json:"willingToDiscuss"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type UserProfile struct {
	ID                     string         `json:"id"`
	UserID                 string         `json:"userId"`
	DisplayName            string         `json:"displayName"`
	AvatarColor            string         `json:"avatarColor"`
	Level                  int            `json:"level"`
	TotalPoints            int            `json:"totalPoints"`
	ConversationsCompleted int            `json:"conversationsCompleted"`
	Badges                 []string       `json:"badges"`
	HighestScores          map[string]int `json:"highestScores"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
}

// ScoreTotalKey is the score category holding the overall result.
const ScoreTotalKey = "total"

// Score maps score categories to values. The "total" entry is the final result.
type Score map[string]int

// Total returns the "total" entry, or zero when absent.
func (s Score) Total() int {
	return s[ScoreTotalKey]
}

// Clone returns an independent copy of the score.
func (s Score) Clone() Score {
	if s == nil {
		return nil
	}
	out := make(Score, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

type FeedbackEntry struct {
	UserID    string    `json:"userId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Suggestion is an AI-generated analysis entry. Its content is opaque here.
type Suggestion struct {
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Conversation struct {
	ID                    string             `json:"id"`
	TopicID               string             `json:"topicId"`
	Participant1ID        string             `json:"participant1Id"`
	Participant2ID        string             `json:"participant2Id"`
	Status                ConversationStatus `json:"status"`
	StartedAt             time.Time          `json:"startedAt"`
	TimerDuration         *int               `json:"timerDuration,omitempty"`
	ExpiresAt             *time.Time         `json:"expiresAt,omitempty"`
	Participant1Score     Score              `json:"participant1Score,omitempty"`
	Participant2Score     Score              `json:"participant2Score,omitempty"`
	CompletionRequestedBy string             `json:"completionRequestedBy,omitempty"`
	CompletionFeedback    []FeedbackEntry    `json:"completionFeedback"`
	AIFeedback            []Suggestion       `json:"aiFeedback"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

// HasParticipant reports whether userID occupies either participant slot.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participant1ID == userID || c.Participant2ID == userID)
}

// Involves reports whether the conversation is between a and b in either slot order.
func (c Conversation) Involves(a, b string) bool {
	return (c.Participant1ID == a && c.Participant2ID == b) ||
		(c.Participant1ID == b && c.Participant2ID == a)
}

// Expired reports whether a non-terminal conversation is past its expires_at.
func (c Conversation) Expired(now time.Time) bool {
	if c.ExpiresAt == nil || c.Status.Terminal() {
		return false
	}
	return !now.Before(*c.ExpiresAt)
}

// EffectiveStatus is the status as observed at now: the stored status, or
// StatusExpired when the timer has run out on a non-terminal conversation.
func (c Conversation) EffectiveStatus(now time.Time) ConversationStatus {
	if c.Expired(now) {
		return StatusExpired
	}
	return c.Status
}
