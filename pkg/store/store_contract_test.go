package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"discussmatch/pkg/domain"
)

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("topics", func(t *testing.T) {
		s := newStore(t)
		if _, ok, err := s.GetTopic(ctx, "missing"); err != nil || ok {
			t.Fatalf("expected missing topic, ok=%v err=%v", ok, err)
		}
		for i, id := range []string{"t-b", "t-a"} {
			topic := domain.Topic{ID: id, Title: "Title " + id, Tags: []string{"x"}, Category: "politics", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
			if err := s.SaveTopic(ctx, topic); err != nil {
				t.Fatalf("save topic %s: %v", id, err)
			}
		}
		updated := domain.Topic{ID: "t-b", Title: "Renamed", Tags: []string{"y", "z"}, Category: "science", CreatedAt: base}
		if err := s.SaveTopic(ctx, updated); err != nil {
			t.Fatalf("update topic: %v", err)
		}
		got, ok, err := s.GetTopic(ctx, "t-b")
		if err != nil || !ok {
			t.Fatalf("get topic: ok=%v err=%v", ok, err)
		}
		if got.Title != "Renamed" || len(got.Tags) != 2 || got.Category != "science" {
			t.Fatalf("unexpected topic: %+v", got)
		}
		list, err := s.ListTopics(ctx)
		if err != nil {
			t.Fatalf("list topics: %v", err)
		}
		if len(list) != 2 || list[0].ID != "t-b" || list[1].ID != "t-a" {
			t.Fatalf("unexpected topic order: %+v", list)
		}
	})

	t.Run("opinions keep creation order", func(t *testing.T) {
		s := newStore(t)
		opinions := []domain.TopicOpinion{
			{ID: "o-3", UserID: "u-3", TopicID: "t-1", Stance: domain.StanceAgree, CreatedAt: base},
			{ID: "o-1", UserID: "u-1", TopicID: "t-1", Stance: domain.StanceDisagree, CreatedAt: base.Add(time.Minute)},
			{ID: "o-9", UserID: "u-1", TopicID: "t-2", Stance: domain.StanceNeutral, CreatedAt: base.Add(2 * time.Minute)},
			{ID: "o-2", UserID: "u-2", TopicID: "t-1", Stance: domain.StanceStronglyAgree, WillingToDiscuss: true, CreatedAt: base.Add(3 * time.Minute)},
		}
		for _, o := range opinions {
			if err := s.SaveOpinion(ctx, o); err != nil {
				t.Fatalf("save opinion %s: %v", o.ID, err)
			}
		}
		list, err := s.ListOpinionsByTopic(ctx, "t-1")
		if err != nil {
			t.Fatalf("list opinions: %v", err)
		}
		want := []string{"o-3", "o-1", "o-2"}
		if len(list) != len(want) {
			t.Fatalf("expected %d opinions, got %d", len(want), len(list))
		}
		for i, id := range want {
			if list[i].ID != id {
				t.Fatalf("opinion %d: expected %s, got %s", i, id, list[i].ID)
			}
		}
		if !list[2].WillingToDiscuss {
			t.Fatalf("expected willingToDiscuss to round-trip")
		}
		got, ok, err := s.GetOpinionByUserTopic(ctx, "u-1", "t-2")
		if err != nil || !ok || got.ID != "o-9" {
			t.Fatalf("get opinion by user/topic: %+v ok=%v err=%v", got, ok, err)
		}
		if _, ok, err := s.GetOpinionByUserTopic(ctx, "u-4", "t-1"); err != nil || ok {
			t.Fatalf("expected no opinion, ok=%v err=%v", ok, err)
		}
	})

	t.Run("profiles", func(t *testing.T) {
		s := newStore(t)
		profile := domain.UserProfile{
			ID:            "p-1",
			UserID:        "u-1",
			DisplayName:   "Ada",
			Level:         1,
			TotalPoints:   10,
			Badges:        []string{"newcomer"},
			HighestScores: map[string]int{"total": 0},
			CreatedAt:     base,
		}
		if err := s.CreateProfile(ctx, profile); err != nil {
			t.Fatalf("create profile: %v", err)
		}
		dup := profile
		dup.ID = "p-2"
		if err := s.CreateProfile(ctx, dup); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict on duplicate user, got: %v", err)
		}
		level, points := 3, 250
		if err := s.UpdateProfile(ctx, "p-1", ProfilePatch{
			Level:         &level,
			TotalPoints:   &points,
			HighestScores: map[string]int{"total": 80, "clarity": 9},
		}); err != nil {
			t.Fatalf("update profile: %v", err)
		}
		got, ok, err := s.GetProfileByUser(ctx, "u-1")
		if err != nil || !ok {
			t.Fatalf("get profile: ok=%v err=%v", ok, err)
		}
		if got.Level != 3 || got.TotalPoints != 250 || got.DisplayName != "Ada" {
			t.Fatalf("unexpected profile: %+v", got)
		}
		if len(got.Badges) != 1 || got.Badges[0] != "newcomer" {
			t.Fatalf("badges should be untouched: %+v", got.Badges)
		}
		if got.HighestScores["total"] != 80 || got.HighestScores["clarity"] != 9 {
			t.Fatalf("unexpected highest scores: %+v", got.HighestScores)
		}
		color := "#ff8800"
		if err := s.UpdateProfile(ctx, "p-1", ProfilePatch{AvatarColor: &color}); err != nil {
			t.Fatalf("update avatar: %v", err)
		}
		if got, _, _ := s.GetProfileByUser(ctx, "u-1"); got.AvatarColor != color || got.TotalPoints != 250 {
			t.Fatalf("avatar patch clobbered other fields: %+v", got)
		}
		if err := s.UpdateProfile(ctx, "p-missing", ProfilePatch{Level: &level}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got: %v", err)
		}
		list, err := s.ListProfilesByUsers(ctx, []string{"u-1", "u-404"})
		if err != nil {
			t.Fatalf("list profiles: %v", err)
		}
		if len(list) != 1 || list[0].UserID != "u-1" {
			t.Fatalf("unexpected profiles: %+v", list)
		}
	})

	t.Run("conversations", func(t *testing.T) {
		s := newStore(t)
		minutes := 1440
		expires := base.Add(24 * time.Hour)
		convs := []domain.Conversation{
			{ID: "c-1", TopicID: "t-1", Participant1ID: "a", Participant2ID: "b", Status: domain.StatusInvited, StartedAt: base, TimerDuration: &minutes, ExpiresAt: &expires, CreatedAt: base},
			{ID: "c-2", TopicID: "t-1", Participant1ID: "b", Participant2ID: "a", Status: domain.StatusRejected, StartedAt: base, CreatedAt: base.Add(time.Minute)},
			{ID: "c-3", TopicID: "t-2", Participant1ID: "c", Participant2ID: "a", Status: domain.StatusActive, StartedAt: base, CreatedAt: base.Add(2 * time.Minute)},
		}
		for _, c := range convs {
			if err := s.CreateConversation(ctx, c); err != nil {
				t.Fatalf("create conversation %s: %v", c.ID, err)
			}
		}
		if err := s.CreateConversation(ctx, convs[0]); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict on duplicate id, got: %v", err)
		}

		got, ok, err := s.GetConversation(ctx, "c-1")
		if err != nil || !ok {
			t.Fatalf("get conversation: ok=%v err=%v", ok, err)
		}
		if got.TimerDuration == nil || *got.TimerDuration != 1440 {
			t.Fatalf("unexpected timer duration: %+v", got.TimerDuration)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
			t.Fatalf("unexpected expires_at: %+v", got.ExpiresAt)
		}

		pair, err := s.FindConversations(ctx, ConversationFilter{
			TopicID:      "t-1",
			Participants: []string{"a", "b"},
			Statuses:     domain.NonTerminalStatuses(),
		})
		if err != nil {
			t.Fatalf("find pair: %v", err)
		}
		if len(pair) != 1 || pair[0].ID != "c-1" {
			t.Fatalf("unexpected pair result: %+v", pair)
		}
		reversed, err := s.FindConversations(ctx, ConversationFilter{TopicID: "t-1", Participants: []string{"a", "b"}})
		if err != nil {
			t.Fatalf("find reversed: %v", err)
		}
		if len(reversed) != 2 {
			t.Fatalf("expected both slot orders, got %d", len(reversed))
		}
		mine, err := s.FindConversations(ctx, ConversationFilter{Participants: []string{"a"}})
		if err != nil {
			t.Fatalf("find by participant: %v", err)
		}
		if len(mine) != 3 || mine[0].ID != "c-1" || mine[2].ID != "c-3" {
			t.Fatalf("unexpected participant result: %+v", mine)
		}
		received, err := s.FindConversations(ctx, ConversationFilter{Participant2ID: "a", Statuses: []domain.ConversationStatus{domain.StatusInvited}})
		if err != nil {
			t.Fatalf("find received: %v", err)
		}
		if len(received) != 0 {
			t.Fatalf("expected no received invitations, got %+v", received)
		}

		status := domain.StatusCompleted
		requester := "a"
		if err := s.UpdateConversation(ctx, "c-3", ConversationPatch{
			Status:                &status,
			CompletionRequestedBy: &requester,
			Participant1Score:     domain.Score{"total": 70, "clarity": 8},
			Participant2Score:     domain.Score{"total": 65},
			CompletionFeedback:    []domain.FeedbackEntry{{UserID: "c", Rating: 5, CreatedAt: base}},
			AIFeedback:            []domain.Suggestion{{Kind: "summary", Text: "good", CreatedAt: base}},
		}); err != nil {
			t.Fatalf("update conversation: %v", err)
		}
		got, _, err = s.GetConversation(ctx, "c-3")
		if err != nil {
			t.Fatalf("get updated conversation: %v", err)
		}
		if got.Status != domain.StatusCompleted || got.CompletionRequestedBy != "a" {
			t.Fatalf("unexpected conversation: %+v", got)
		}
		if got.Participant1Score.Total() != 70 || got.Participant1Score["clarity"] != 8 || got.Participant2Score.Total() != 65 {
			t.Fatalf("unexpected scores: %+v / %+v", got.Participant1Score, got.Participant2Score)
		}
		if len(got.CompletionFeedback) != 1 || len(got.AIFeedback) != 1 {
			t.Fatalf("unexpected feedback: %+v / %+v", got.CompletionFeedback, got.AIFeedback)
		}
		if err := s.UpdateConversation(ctx, "c-404", ConversationPatch{Status: &status}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got: %v", err)
		}
	})
}
