package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type TopicModel struct {
	ID          string `gorm:"primaryKey"`
	Title       string `gorm:"not null"`
	Description string `gorm:"type:text"`
	Tags        datatypes.JSON
	Category    string    `gorm:"index"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

type OpinionModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index:idx_opinion_user_topic"`
	TopicID          string `gorm:"not null;index:idx_opinion_user_topic;index"`
	Stance           string `gorm:"not null"`
	Reasoning        string `gorm:"type:text"`
	WillingToDiscuss bool
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time
}

type ProfileModel struct {
	ID                     string `gorm:"primaryKey"`
	UserID                 string `gorm:"uniqueIndex;not null"`
	DisplayName            string
	AvatarColor            string
	Level                  int `gorm:"not null"`
	TotalPoints            int `gorm:"not null"`
	ConversationsCompleted int `gorm:"not null"`
	Badges                 datatypes.JSON
	HighestScores          datatypes.JSON
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time
}

type ConversationModel struct {
	ID                    string    `gorm:"primaryKey"`
	TopicID               string    `gorm:"not null;index"`
	Participant1ID        string    `gorm:"not null;index"`
	Participant2ID        string    `gorm:"not null;index"`
	Status                string    `gorm:"not null;index"`
	StartedAt             time.Time `gorm:"not null"`
	TimerDuration         *int
	ExpiresAt             *time.Time
	Participant1Score     datatypes.JSON
	Participant2Score     datatypes.JSON
	CompletionRequestedBy string
	CompletionFeedback    datatypes.JSON
	AIFeedback            datatypes.JSON
	CreatedAt             time.Time `gorm:"not null;index"`
	UpdatedAt             time.Time
}
