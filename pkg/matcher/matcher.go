// Package matcher finds discussion partners for a user on a topic by
// comparing stances on the five-point scale.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"discussmatch/internal/util"
	"discussmatch/pkg/domain"
	"discussmatch/pkg/store"
)

var (
	// ErrNoOpinion means the user has not stated a stance on the topic yet.
	ErrNoOpinion = errors.New("matcher: user has no opinion on topic")
	// ErrTopicNotFound means the topic does not exist.
	ErrTopicNotFound = errors.New("matcher: topic not found")
	// ErrUnknownStance is returned by Distance for values off the scale.
	ErrUnknownStance = errors.New("matcher: unknown stance")
	// ErrUnknownCategory is returned by ParseCategory.
	ErrUnknownCategory = errors.New("matcher: unknown category")
)

// Category groups candidates by stance distance.
type Category string

const (
	CategoryAll      Category = "all"
	CategorySimilar  Category = "similar"
	CategoryModerate Category = "moderate"
	CategoryOpposite Category = "opposite"
)

// ParseCategory accepts a category name; empty input means CategoryAll.
func ParseCategory(raw string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(raw))); c {
	case "":
		return CategoryAll, nil
	case CategoryAll, CategorySimilar, CategoryModerate, CategoryOpposite:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
}

// Match is one candidate partner for the requesting user.
type Match struct {
	CandidateUserID  string             `json:"candidateUserId"`
	CandidateProfile domain.UserProfile `json:"candidateProfile"`
	MyStance         domain.Stance      `json:"myStance"`
	TheirStance      domain.Stance      `json:"theirStance"`
	Reasoning        string             `json:"reasoning,omitempty"`
	Distance         int                `json:"distance"`
	Category         Category           `json:"category"`
}

// Distance is the absolute difference between the ordinal indices of a and b.
func Distance(a, b domain.Stance) (int, error) {
	ia, ok := a.Index()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStance, a)
	}
	ib, ok := b.Index()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStance, b)
	}
	if ia > ib {
		return ia - ib, nil
	}
	return ib - ia, nil
}

// Classify returns the concrete category for a distance. It never returns
// CategoryAll.
func Classify(distance int) Category {
	switch {
	case distance >= 3:
		return CategoryOpposite
	case distance >= 1:
		return CategoryModerate
	default:
		return CategorySimilar
	}
}

// Filter keeps the matches in category, preserving order. It does not touch
// the store, so switching categories is a pure re-run over loaded matches.
func Filter(matches []Match, category Category) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if category == CategoryAll || Classify(m.Distance) == category {
			out = append(out, m)
		}
	}
	return out
}

// Source is the read side of the store the matcher needs.
type Source interface {
	GetTopic(ctx context.Context, id string) (domain.Topic, bool, error)
	GetOpinionByUserTopic(ctx context.Context, userID, topicID string) (domain.TopicOpinion, bool, error)
	ListOpinionsByTopic(ctx context.Context, topicID string) ([]domain.TopicOpinion, error)
	ListProfilesByUsers(ctx context.Context, userIDs []string) ([]domain.UserProfile, error)
}

type Matcher struct {
	src Source
}

func New(src Source) *Matcher {
	return &Matcher{src: src}
}

// FindMatches lists every willing candidate on topicID for userID, in the
// store's order, each tagged with its distance and category.
func (m *Matcher) FindMatches(ctx context.Context, userID, topicID string) ([]Match, error) {
	if _, ok, err := m.src.GetTopic(ctx, topicID); err != nil {
		return nil, store.Wrap("get", "topic", topicID, err)
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}
	mine, ok, err := m.src.GetOpinionByUserTopic(ctx, userID, topicID)
	if err != nil {
		return nil, store.Wrap("get", "opinion", userID+"/"+topicID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %s topic %s", ErrNoOpinion, userID, topicID)
	}
	if !mine.Stance.Valid() {
		return nil, fmt.Errorf("%w: %q on opinion %s", ErrUnknownStance, mine.Stance, mine.ID)
	}
	opinions, err := m.src.ListOpinionsByTopic(ctx, topicID)
	if err != nil {
		return nil, store.Wrap("list", "opinion", topicID, err)
	}

	candidates := make([]domain.TopicOpinion, 0, len(opinions))
	seen := make(map[string]struct{}, len(opinions))
	userIDs := make([]string, 0, len(opinions))
	for _, o := range opinions {
		if o.UserID == userID || !o.WillingToDiscuss {
			continue
		}
		candidates = append(candidates, o)
		if _, dup := seen[o.UserID]; !dup {
			seen[o.UserID] = struct{}{}
			userIDs = append(userIDs, o.UserID)
		}
	}
	if len(candidates) == 0 {
		return []Match{}, nil
	}

	profiles, err := m.src.ListProfilesByUsers(ctx, userIDs)
	if err != nil {
		return nil, store.Wrap("list", "profile", topicID, err)
	}
	byUser := make(map[string]domain.UserProfile, len(profiles))
	for _, p := range profiles {
		byUser[p.UserID] = p
	}

	matches := make([]Match, 0, len(candidates))
	for _, o := range candidates {
		profile, ok := byUser[o.UserID]
		if !ok {
			continue
		}
		distance, err := Distance(mine.Stance, o.Stance)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("skip candidate with unreadable stance",
				"opinion_id", o.ID,
				"user_id", o.UserID,
				"topic_id", topicID,
				"err", err,
			)
			continue
		}
		matches = append(matches, Match{
			CandidateUserID:  o.UserID,
			CandidateProfile: profile,
			MyStance:         mine.Stance,
			TheirStance:      o.Stance,
			Reasoning:        o.Reasoning,
			Distance:         distance,
			Category:         Classify(distance),
		})
	}
	return matches, nil
}
