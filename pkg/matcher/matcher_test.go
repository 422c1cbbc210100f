package matcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"discussmatch/internal/util"
	"discussmatch/pkg/domain"
	"discussmatch/pkg/store"
)

func TestDistanceSymmetricAndBounded(t *testing.T) {
	stances := domain.Stances()
	for i, a := range stances {
		for j, b := range stances {
			d1, err := Distance(a, b)
			if err != nil {
				t.Fatalf("distance(%s,%s): %v", a, b, err)
			}
			d2, _ := Distance(b, a)
			if d1 != d2 {
				t.Fatalf("distance not symmetric for %s,%s: %d vs %d", a, b, d1, d2)
			}
			want := i - j
			if want < 0 {
				want = -want
			}
			if d1 != want || d1 < 0 || d1 > 4 {
				t.Fatalf("distance(%s,%s) = %d, want %d", a, b, d1, want)
			}
		}
	}
	if _, err := Distance("maybe", domain.StanceAgree); !errors.Is(err, ErrUnknownStance) {
		t.Fatalf("expected ErrUnknownStance, got %v", err)
	}
}

func TestClassifyPartitionsDistances(t *testing.T) {
	want := map[int]Category{
		0: CategorySimilar,
		1: CategoryModerate,
		2: CategoryModerate,
		3: CategoryOpposite,
		4: CategoryOpposite,
	}
	matches := make([]Match, 0, len(want))
	for d := 0; d <= 4; d++ {
		if got := Classify(d); got != want[d] {
			t.Fatalf("Classify(%d) = %s, want %s", d, got, want[d])
		}
		matches = append(matches, Match{CandidateUserID: string(rune('a' + d)), Distance: d})
	}

	total := 0
	seen := make(map[string]Category)
	for _, c := range []Category{CategorySimilar, CategoryModerate, CategoryOpposite} {
		for _, m := range Filter(matches, c) {
			if prev, dup := seen[m.CandidateUserID]; dup {
				t.Fatalf("candidate %s in both %s and %s", m.CandidateUserID, prev, c)
			}
			seen[m.CandidateUserID] = c
			total++
		}
	}
	if all := Filter(matches, CategoryAll); len(all) != total || total != len(matches) {
		t.Fatalf("categories do not partition all: all=%d union=%d", len(all), total)
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		raw     string
		want    Category
		wantErr bool
	}{
		{raw: "", want: CategoryAll},
		{raw: "Opposite", want: CategoryOpposite},
		{raw: " similar ", want: CategorySimilar},
		{raw: "moderate", want: CategoryModerate},
		{raw: "nearby", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseCategory(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownCategory) {
				t.Fatalf("ParseCategory(%q): expected ErrUnknownCategory, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseCategory(%q) = %s, %v; want %s", tc.raw, got, err, tc.want)
		}
	}
}

type seed struct {
	userID  string
	stance  domain.Stance
	willing bool
	profile bool
}

func newSeededStore(t *testing.T, topicID string, seeds []seed) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.SaveTopic(ctx, domain.Topic{ID: topicID, Title: "Topic"}); err != nil {
		t.Fatalf("save topic: %v", err)
	}
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, sd := range seeds {
		if err := s.SaveOpinion(ctx, domain.TopicOpinion{
			ID:               "o-" + sd.userID,
			UserID:           sd.userID,
			TopicID:          topicID,
			Stance:           sd.stance,
			Reasoning:        "because " + sd.userID,
			WillingToDiscuss: sd.willing,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("save opinion: %v", err)
		}
		if sd.profile {
			if err := s.CreateProfile(ctx, domain.UserProfile{ID: "p-" + sd.userID, UserID: sd.userID, DisplayName: sd.userID, Level: 1}); err != nil {
				t.Fatalf("create profile: %v", err)
			}
		}
	}
	return s
}

func TestFindMatchesOppositeScenario(t *testing.T) {
	s := newSeededStore(t, "t-1", []seed{
		{userID: "A", stance: domain.StanceAgree, willing: true, profile: true},
		{userID: "B", stance: domain.StanceStronglyDisagree, willing: true, profile: true},
	})
	matches, err := New(s).FindMatches(context.Background(), "A", "t-1")
	if err != nil {
		t.Fatalf("find matches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %+v", matches)
	}
	m := matches[0]
	if m.CandidateUserID != "B" || m.Distance != 3 || m.Category != CategoryOpposite {
		t.Fatalf("unexpected match: %+v", m)
	}
	if m.MyStance != domain.StanceAgree || m.TheirStance != domain.StanceStronglyDisagree || m.Reasoning != "because B" {
		t.Fatalf("unexpected stances: %+v", m)
	}
	if len(Filter(matches, CategoryOpposite)) != 1 || len(Filter(matches, CategoryAll)) != 1 {
		t.Fatalf("B should appear under opposite and all")
	}
	if len(Filter(matches, CategorySimilar)) != 0 || len(Filter(matches, CategoryModerate)) != 0 {
		t.Fatalf("B should not appear under similar or moderate")
	}
}

func TestFindMatchesExcludesSelfUnwillingAndProfileless(t *testing.T) {
	s := newSeededStore(t, "t-1", []seed{
		{userID: "C", stance: domain.StanceNeutral, willing: true, profile: true},
		{userID: "me", stance: domain.StanceNeutral, willing: true, profile: true},
		{userID: "D", stance: domain.StanceAgree, willing: false, profile: true},
		{userID: "E", stance: domain.StanceDisagree, willing: true, profile: false},
		{userID: "F", stance: domain.StanceStronglyAgree, willing: true, profile: true},
	})
	matches, err := New(s).FindMatches(context.Background(), "me", "t-1")
	if err != nil {
		t.Fatalf("find matches: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected two matches, got %+v", matches)
	}
	if matches[0].CandidateUserID != "C" || matches[1].CandidateUserID != "F" {
		t.Fatalf("store order not preserved: %+v", matches)
	}
	if matches[0].Category != CategorySimilar || matches[1].Category != CategoryModerate {
		t.Fatalf("unexpected categories: %s, %s", matches[0].Category, matches[1].Category)
	}
	if matches[0].CandidateProfile.DisplayName != "C" {
		t.Fatalf("expected joined profile, got %+v", matches[0].CandidateProfile)
	}
}

func TestFindMatchesErrors(t *testing.T) {
	s := newSeededStore(t, "t-1", []seed{
		{userID: "A", stance: domain.StanceAgree, willing: true, profile: true},
	})
	m := New(s)
	ctx := context.Background()
	if _, err := m.FindMatches(ctx, "A", "missing"); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
	if _, err := m.FindMatches(ctx, "nobody", "t-1"); !errors.Is(err, ErrNoOpinion) {
		t.Fatalf("expected ErrNoOpinion, got %v", err)
	}
	matches, err := m.FindMatches(ctx, "A", "t-1")
	if err != nil {
		t.Fatalf("find matches: %v", err)
	}
	if matches == nil || len(matches) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", matches)
	}
}

type failingSource struct {
	*store.MemoryStore
	err error
}

func (f failingSource) ListOpinionsByTopic(context.Context, string) ([]domain.TopicOpinion, error) {
	return nil, f.err
}

func TestFindMatchesWrapsStoreErrors(t *testing.T) {
	s := newSeededStore(t, "t-1", []seed{
		{userID: "A", stance: domain.StanceAgree, willing: true, profile: true},
	})
	boom := errors.New("connection reset")
	_, err := New(failingSource{MemoryStore: s, err: boom}).FindMatches(context.Background(), "A", "t-1")
	var storeErr *store.Error
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected *store.Error, got %T %v", err, err)
	}
	if storeErr.Op != "list" || storeErr.Entity != "opinion" || storeErr.ID != "t-1" {
		t.Fatalf("unexpected store error context: %+v", storeErr)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestFindMatchesLogsUnreadableCandidateStance(t *testing.T) {
	s := newSeededStore(t, "t-1", []seed{
		{userID: "A", stance: domain.StanceAgree, willing: true, profile: true},
		{userID: "G", stance: "maybe", willing: true, profile: true},
		{userID: "H", stance: domain.StanceDisagree, willing: true, profile: true},
	})
	var buf bytes.Buffer
	ctx := util.ContextWithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	matches, err := New(s).FindMatches(ctx, "A", "t-1")
	if err != nil {
		t.Fatalf("find matches: %v", err)
	}
	if len(matches) != 1 || matches[0].CandidateUserID != "H" {
		t.Fatalf("expected only H, got %+v", matches)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"WARN"`) || !strings.Contains(out, `"opinion_id":"o-G"`) {
		t.Fatalf("expected warning naming the skipped opinion, got %s", out)
	}
}
