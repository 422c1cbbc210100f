// Package scoring maintains user point totals, levels and badges.
package scoring

import (
	"context"
	"errors"
	"strings"
	"time"

	"discussmatch/internal/util"
	"discussmatch/pkg/domain"
	"discussmatch/pkg/lock"
	"discussmatch/pkg/store"
)

const (
	// CategoryConversationComplete counts toward conversations_completed.
	CategoryConversationComplete = "conversation_complete"

	BadgeNewcomer  = "newcomer"
	pointsPerLevel = 100
)

// LevelFor returns floor(points/100)+1.
func LevelFor(points int) int {
	q := points / pointsPerLevel
	if points < 0 && points%pointsPerLevel != 0 {
		q--
	}
	return q + 1
}

// ProfileStore is the slice of store.Store the engine writes through.
type ProfileStore interface {
	CreateProfile(ctx context.Context, profile domain.UserProfile) error
	GetProfileByUser(ctx context.Context, userID string) (domain.UserProfile, bool, error)
	UpdateProfile(ctx context.Context, id string, patch store.ProfilePatch) error
}

// Engine awards points. Every read-modify-write on one user's profile runs
// under that user's lock, so concurrent awards do not lose updates.
type Engine struct {
	profiles ProfileStore
	locker   lock.Locker
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(profiles ProfileStore, locker lock.Locker, opts ...Option) *Engine {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	e := &Engine{
		profiles: profiles,
		locker:   locker,
		now:      time.Now,
		newID:    util.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AwardPoints adds points to userID's profile, creating it on first award.
// Level is raised when the new total crosses a boundary and never lowered.
func (e *Engine) AwardPoints(ctx context.Context, userID string, points int, category string) (domain.UserProfile, error) {
	unlock, err := e.lockUser(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	defer unlock()
	return e.award(ctx, userID, points, category)
}

// RecordHighScores raises each highest_scores entry to the matching score
// value when the new value is greater.
func (e *Engine) RecordHighScores(ctx context.Context, userID string, score domain.Score) (domain.UserProfile, error) {
	unlock, err := e.lockUser(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	defer unlock()
	return e.recordHighScores(ctx, userID, score)
}

// AwardConversation credits a finished conversation: the final total as
// points in the conversation_complete category, then the high scores.
func (e *Engine) AwardConversation(ctx context.Context, conversationID, userID string, score domain.Score) error {
	unlock, err := e.lockUser(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := e.award(ctx, userID, score.Total(), CategoryConversationComplete); err != nil {
		return err
	}
	if _, err := e.recordHighScores(ctx, userID, score); err != nil {
		return err
	}
	util.LoggerFromContext(ctx).Info("conversation credited",
		"conversation_id", conversationID,
		"user_id", userID,
		"points", score.Total(),
	)
	return nil
}

// ProfileDetails are the display fields a user controls.
type ProfileDetails struct {
	DisplayName string
	AvatarColor string
}

// EnsureProfile returns userID's profile, creating an empty one on first use.
// Non-empty details overwrite the stored display fields; points are never
// touched.
func (e *Engine) EnsureProfile(ctx context.Context, userID string, details ProfileDetails) (domain.UserProfile, error) {
	unlock, err := e.lockUser(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	defer unlock()

	current, ok, err := e.profiles.GetProfileByUser(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "get", Err: store.Wrap("get", "profile", userID, err)}
	}
	if !ok {
		profile, err := e.createProfile(ctx, userID, 0, false)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "create", Err: store.Wrap("create", "profile", userID, err)}
		}
		if err == nil {
			util.LoggerFromContext(ctx).Info("profile created", "user_id", userID, "points", 0, "level", profile.Level)
		}
		current, ok, err = e.profiles.GetProfileByUser(ctx, userID)
		if err != nil {
			return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "get", Err: store.Wrap("get", "profile", userID, err)}
		}
		if !ok {
			return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "get", Err: store.Wrap("get", "profile", userID, store.ErrNotFound)}
		}
	}

	var patch store.ProfilePatch
	if name := strings.TrimSpace(details.DisplayName); name != "" && name != current.DisplayName {
		patch.DisplayName = &name
		current.DisplayName = name
	}
	if color := strings.TrimSpace(details.AvatarColor); color != "" && color != current.AvatarColor {
		patch.AvatarColor = &color
		current.AvatarColor = color
	}
	if patch.DisplayName == nil && patch.AvatarColor == nil {
		return current, nil
	}
	if err := e.profiles.UpdateProfile(ctx, current.ID, patch); err != nil {
		return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "update", Err: store.Wrap("update", "profile", current.ID, err)}
	}
	return current, nil
}

func (e *Engine) lockUser(ctx context.Context, userID string) (func(), error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ProfileUpdateError{UserID: userID, Op: "award", Err: errors.New("user id required")}
	}
	unlock, err := e.locker.Lock(ctx, "profile:"+userID)
	if err != nil {
		return nil, &ProfileUpdateError{UserID: userID, Op: "lock", Err: err}
	}
	return unlock, nil
}

func (e *Engine) award(ctx context.Context, userID string, points int, category string) (domain.UserProfile, error) {
	logger := util.LoggerFromContext(ctx)
	completed := category == CategoryConversationComplete

	current, ok, err := e.profiles.GetProfileByUser(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "get", Err: store.Wrap("get", "profile", userID, err)}
	}
	if !ok {
		profile, err := e.createProfile(ctx, userID, points, completed)
		if err == nil {
			logger.Info("profile created",
				"user_id", userID,
				"points", points,
				"category", category,
				"level", profile.Level,
			)
			return profile, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "create", Err: store.Wrap("create", "profile", userID, err)}
		}
		// Another process created it between our read and write.
		current, ok, err = e.profiles.GetProfileByUser(ctx, userID)
		if err != nil {
			return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "get", Err: store.Wrap("get", "profile", userID, err)}
		}
		if !ok {
			return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "get", Err: store.Wrap("get", "profile", userID, store.ErrNotFound)}
		}
	}

	total := current.TotalPoints + points
	level := current.Level
	if next := LevelFor(total); next > level {
		level = next
	}
	patch := store.ProfilePatch{TotalPoints: &total, Level: &level}
	finished := current.ConversationsCompleted
	if completed {
		finished++
		patch.ConversationsCompleted = &finished
	}
	if err := e.profiles.UpdateProfile(ctx, current.ID, patch); err != nil {
		return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "update", Err: store.Wrap("update", "profile", current.ID, err)}
	}
	if level > current.Level {
		logger.Info("level up", "user_id", userID, "from", current.Level, "to", level)
	}
	logger.Info("points awarded",
		"user_id", userID,
		"points", points,
		"category", category,
		"total_points", total,
	)

	current.TotalPoints = total
	current.Level = level
	current.ConversationsCompleted = finished
	current.UpdatedAt = e.now().UTC()
	return current, nil
}

func (e *Engine) createProfile(ctx context.Context, userID string, points int, completed bool) (domain.UserProfile, error) {
	now := e.now().UTC()
	level := LevelFor(points)
	if level < 1 {
		level = 1
	}
	profile := domain.UserProfile{
		ID:            e.newID(),
		UserID:        userID,
		Level:         level,
		TotalPoints:   points,
		Badges:        []string{BadgeNewcomer},
		HighestScores: map[string]int{domain.ScoreTotalKey: 0},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if completed {
		profile.ConversationsCompleted = 1
	}
	if err := e.profiles.CreateProfile(ctx, profile); err != nil {
		return domain.UserProfile{}, err
	}
	return profile, nil
}

func (e *Engine) recordHighScores(ctx context.Context, userID string, score domain.Score) (domain.UserProfile, error) {
	current, ok, err := e.profiles.GetProfileByUser(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "get", Err: store.Wrap("get", "profile", userID, err)}
	}
	if !ok {
		return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "get", Err: store.Wrap("get", "profile", userID, store.ErrNotFound)}
	}
	highest := make(map[string]int, len(current.HighestScores)+len(score))
	for k, v := range current.HighestScores {
		highest[k] = v
	}
	changed := false
	for k, v := range score {
		if prev, ok := highest[k]; !ok || v > prev {
			highest[k] = v
			changed = true
		}
	}
	if !changed {
		return current, nil
	}
	if err := e.profiles.UpdateProfile(ctx, current.ID, store.ProfilePatch{HighestScores: highest}); err != nil {
		return domain.UserProfile{}, &ProfileUpdateError{UserID: userID, Op: "update", Err: store.Wrap("update", "profile", current.ID, err)}
	}
	current.HighestScores = highest
	return current, nil
}
