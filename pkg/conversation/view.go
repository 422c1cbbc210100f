package conversation

import (
	"time"

	"discussmatch/pkg/domain"
)

// View is a conversation as observed at a point in time. Expiry is never
// stored; it is derived here from expires_at.
type View struct {
	domain.Conversation
	EffectiveStatus domain.ConversationStatus `json:"effectiveStatus"`
	Expired         bool                      `json:"expired"`
}

func Annotate(c domain.Conversation, now time.Time) View {
	return View{
		Conversation:    c,
		EffectiveStatus: c.EffectiveStatus(now),
		Expired:         c.Expired(now),
	}
}

func AnnotateAll(items []domain.Conversation, now time.Time) []View {
	out := make([]View, 0, len(items))
	for _, c := range items {
		out = append(out, Annotate(c, now))
	}
	return out
}
