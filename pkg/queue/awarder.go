package queue

import (
	"context"
	"fmt"

	"discussmatch/pkg/domain"
	"discussmatch/pkg/scoring"
)

// Awarder defers conversation awards to the queue instead of writing
// profiles in the request path.
type Awarder struct {
	queue *RedisAwardQueue
}

func NewAwarder(q *RedisAwardQueue) *Awarder {
	return &Awarder{queue: q}
}

func (a *Awarder) AwardConversation(ctx context.Context, conversationID, userID string, score domain.Score) error {
	_, err := a.queue.Enqueue(ctx, AwardJob{
		UserID:         userID,
		Points:         score.Total(),
		Category:       scoring.CategoryConversationComplete,
		ConversationID: conversationID,
		Score:          score.Clone(),
	})
	if err != nil {
		return fmt.Errorf("enqueue award for %s: %w", userID, err)
	}
	return nil
}

// Scorer is what workers call to apply a job.
type Scorer interface {
	AwardPoints(ctx context.Context, userID string, points int, category string) (domain.UserProfile, error)
	AwardConversation(ctx context.Context, conversationID, userID string, score domain.Score) error
}

// ScoringHandler applies jobs through s. Conversation jobs also record high
// scores; direct jobs only add points.
func ScoringHandler(s Scorer) Handler {
	return func(ctx context.Context, job AwardJob) error {
		if job.ConversationID != "" {
			return s.AwardConversation(ctx, job.ConversationID, job.UserID, job.Score)
		}
		_, err := s.AwardPoints(ctx, job.UserID, job.Points, job.Category)
		return err
	}
}
