package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"discussmatch/internal/ratelimit"
	"discussmatch/internal/util"
	"discussmatch/pkg/cache"
	"discussmatch/pkg/conversation"
	"discussmatch/pkg/domain"
	"discussmatch/pkg/lock"
	"discussmatch/pkg/matcher"
	"discussmatch/pkg/queue"
	"discussmatch/pkg/scoring"
	"discussmatch/pkg/store"
)

const (
	ScoringModeInline = "inline"
	ScoringModeQueue  = "queue"

	// DatabaseMemory selects the in-process store.
	DatabaseMemory = "memory"
)

var (
	// ErrRateLimited means the inviter exceeded the invitation quota.
	ErrRateLimited = errors.New("app: rate limited")
	// ErrInvalidArgument marks malformed input.
	ErrInvalidArgument = errors.New("app: invalid argument")
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	// Store overrides DatabaseURL when set.
	Store store.Store
	// Redis overrides RedisAddr when set. The app does not close it.
	Redis         redis.UniversalClient
	RedisAddr     string
	RedisPassword string

	TopicCacheTTL            time.Duration
	InviteRateLimitPerMinute int

	ScoringMode      string
	QueueName        string
	QueueGroup       string
	QueueConcurrency int
	QueueMaxRetries  int
	QueueRetryDelay  time.Duration

	Now func() time.Time
}

// App is the core application service wiring matching, the conversation
// lifecycle and scoring onto one store.
type App struct {
	store   store.Store
	topics  store.Store
	matcher *matcher.Matcher
	machine *conversation.Machine
	engine  *scoring.Engine
	limiter *ratelimit.FixedWindowLimiter
	queue   *queue.RedisAwardQueue
	workers int
	redis   redis.UniversalClient
	closers []func() error
	now     func() time.Time
	mode    string
}

// New constructs the application. Redis is optional unless queue scoring or
// invitation rate limiting is configured.
func New(cfg Config) (*App, error) {
	a := &App{now: cfg.Now}
	if a.now == nil {
		a.now = time.Now
	}

	dataStore, err := a.openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = dataStore

	mode := strings.ToLower(strings.TrimSpace(cfg.ScoringMode))
	if mode == "" {
		mode = ScoringModeInline
	}
	if mode != ScoringModeInline && mode != ScoringModeQueue {
		a.Close()
		return nil, fmt.Errorf("unknown scoring mode %q", cfg.ScoringMode)
	}
	a.mode = mode

	if err := a.openRedis(cfg); err != nil {
		a.Close()
		return nil, err
	}
	needsRedis := mode == ScoringModeQueue || cfg.InviteRateLimitPerMinute > 0
	if needsRedis && a.redis == nil {
		a.Close()
		return nil, errors.New("redis address required for queue scoring or invitation rate limiting")
	}

	var locker lock.Locker = lock.NewLocalLocker()
	a.topics = a.store
	if a.redis != nil {
		locker, err = lock.NewRedisLocker(a.redis, lock.RedisLockerConfig{Prefix: "discussion:lock"})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init redis locker: %w", err)
		}
		if cfg.TopicCacheTTL > 0 {
			topicCache, err := cache.NewRedisCache(a.redis, "discussion:cache")
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("init topic cache: %w", err)
			}
			a.topics = cache.NewTopicStore(a.store, topicCache, cfg.TopicCacheTTL)
		}
	}
	if cfg.InviteRateLimitPerMinute > 0 {
		a.limiter, err = ratelimit.NewFixedWindowLimiter(a.redis, "discussion:ratelimit:invite", cfg.InviteRateLimitPerMinute, time.Minute)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init invitation limiter: %w", err)
		}
	}

	a.engine = scoring.NewEngine(a.store, locker, scoring.WithClock(a.now))
	var awarder conversation.PointsAwarder = a.engine
	if mode == ScoringModeQueue {
		a.queue, err = queue.NewRedisAwardQueue(a.redis, queue.RedisQueueConfig{
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: cfg.QueueRetryDelay,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init award queue: %w", err)
		}
		a.workers = cfg.QueueConcurrency
		awarder = queue.NewAwarder(a.queue)
	}

	a.matcher = matcher.New(a.topics)
	a.machine = conversation.New(a.topics, awarder,
		conversation.WithLocker(locker),
		conversation.WithClock(a.now),
	)
	return a, nil
}

func (a *App) openStore(cfg Config) (store.Store, error) {
	if cfg.Store != nil {
		return cfg.Store, nil
	}
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	switch {
	case dsn == "":
		return nil, errors.New("database URL required")
	case strings.EqualFold(dsn, DatabaseMemory):
		return store.NewMemoryStore(), nil
	}
	gormStore, err := store.NewGormStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.closers = append(a.closers, gormStore.Close)
	return gormStore, nil
}

func (a *App) openRedis(cfg Config) error {
	if cfg.Redis != nil {
		a.redis = cfg.Redis
		return nil
	}
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect redis %s: %w", addr, err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return nil
}

// Start launches background award workers in queue mode. They stop when ctx
// is cancelled.
func (a *App) Start(ctx context.Context) {
	if a.queue == nil {
		return
	}
	a.queue.Start(ctx, a.workers, queue.ScoringHandler(a.engine))
	slog.Info("award workers started", "concurrency", a.workers)
}

// ScoringMode reports how completion awards are dispatched.
func (a *App) ScoringMode() string {
	return a.mode
}

// Close releases connections the app opened itself.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// TopicInput creates or replaces a topic. Empty ID creates a new one.
type TopicInput struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category"`
}

func (a *App) SaveTopic(ctx context.Context, in TopicInput) (domain.Topic, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Topic{}, fmt.Errorf("%w: title required", ErrInvalidArgument)
	}
	topic := domain.Topic{
		ID:          strings.TrimSpace(in.ID),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Tags:        normalizeTags(in.Tags),
		Category:    strings.TrimSpace(in.Category),
		CreatedAt:   a.now().UTC(),
	}
	if topic.ID == "" {
		topic.ID = util.NewID()
	} else if existing, ok, err := a.topics.GetTopic(ctx, topic.ID); err != nil {
		return domain.Topic{}, store.Wrap("get", "topic", topic.ID, err)
	} else if ok {
		topic.CreatedAt = existing.CreatedAt
	}
	if err := a.topics.SaveTopic(ctx, topic); err != nil {
		return domain.Topic{}, store.Wrap("save", "topic", topic.ID, err)
	}
	return topic, nil
}

func (a *App) GetTopic(ctx context.Context, id string) (domain.Topic, bool, error) {
	topic, ok, err := a.topics.GetTopic(ctx, id)
	if err != nil {
		return domain.Topic{}, false, store.Wrap("get", "topic", id, err)
	}
	return topic, ok, nil
}

func (a *App) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	topics, err := a.topics.ListTopics(ctx)
	if err != nil {
		return nil, store.Wrap("list", "topic", "", err)
	}
	return topics, nil
}

// OpinionInput states a user's stance on a topic.
type OpinionInput struct {
	Stance           string `json:"stance"`
	Reasoning        string `json:"reasoning"`
	WillingToDiscuss bool   `json:"willingToDiscuss"`
}

// RecordOpinion stores userID's stance on topicID, replacing any earlier one,
// and makes sure the user has a profile so others can match with them.
func (a *App) RecordOpinion(ctx context.Context, userID, topicID string, in OpinionInput) (domain.TopicOpinion, error) {
	stance, ok := domain.ParseStance(in.Stance)
	if !ok {
		return domain.TopicOpinion{}, fmt.Errorf("%w: unknown stance %q", ErrInvalidArgument, in.Stance)
	}
	if _, ok, err := a.GetTopic(ctx, topicID); err != nil {
		return domain.TopicOpinion{}, err
	} else if !ok {
		return domain.TopicOpinion{}, fmt.Errorf("%w: %s", matcher.ErrTopicNotFound, topicID)
	}
	now := a.now().UTC()
	opinion := domain.TopicOpinion{
		ID:               util.NewID(),
		UserID:           userID,
		TopicID:          topicID,
		Stance:           stance,
		Reasoning:        strings.TrimSpace(in.Reasoning),
		WillingToDiscuss: in.WillingToDiscuss,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	existing, found, err := a.store.GetOpinionByUserTopic(ctx, userID, topicID)
	if err != nil {
		return domain.TopicOpinion{}, store.Wrap("get", "opinion", userID+"/"+topicID, err)
	}
	if found {
		opinion.ID = existing.ID
		opinion.CreatedAt = existing.CreatedAt
	}
	if err := a.store.SaveOpinion(ctx, opinion); err != nil {
		return domain.TopicOpinion{}, store.Wrap("save", "opinion", opinion.ID, err)
	}
	if _, err := a.engine.EnsureProfile(ctx, userID, scoring.ProfileDetails{}); err != nil {
		return opinion, err
	}
	util.LoggerFromContext(ctx).Info("opinion recorded",
		"user_id", userID,
		"topic_id", topicID,
		"stance", stance,
		"willing", in.WillingToDiscuss,
	)
	return opinion, nil
}

const (
	ReasonOK           = "ok"
	ReasonNoOpinion    = "no_opinion"
	ReasonNoCandidates = "no_candidates"
)

// MatchResult tells an empty list caused by a missing opinion apart from one
// with no willing candidates.
type MatchResult struct {
	Reason   string           `json:"reason"`
	Category matcher.Category `json:"category"`
	Total    int              `json:"total"`
	Matches  []matcher.Match  `json:"matches"`
}

// FindMatches lists candidates for userID on topicID in category (empty
// means all). Total counts candidates before the category filter.
func (a *App) FindMatches(ctx context.Context, userID, topicID, category string) (MatchResult, error) {
	c, err := matcher.ParseCategory(category)
	if err != nil {
		return MatchResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	all, err := a.matcher.FindMatches(ctx, userID, topicID)
	if errors.Is(err, matcher.ErrNoOpinion) {
		return MatchResult{Reason: ReasonNoOpinion, Category: c, Matches: []matcher.Match{}}, nil
	}
	if err != nil {
		return MatchResult{}, err
	}
	filtered := matcher.Filter(all, c)
	reason := ReasonOK
	if len(filtered) == 0 {
		reason = ReasonNoCandidates
	}
	return MatchResult{Reason: reason, Category: c, Total: len(all), Matches: filtered}, nil
}

// InvitationRequest is the caller-supplied part of an invitation.
type InvitationRequest struct {
	TopicID       string `json:"topicId"`
	InviteeID     string `json:"inviteeId"`
	TimerDuration int    `json:"timerDuration"`
	TimerUnit     string `json:"timerUnit"`
}

// CreateInvitation invites another user to discuss a topic.
func (a *App) CreateInvitation(ctx context.Context, inviterID string, in InvitationRequest) (conversation.View, error) {
	unit, err := conversation.ParseTimerUnit(in.TimerUnit)
	if err != nil {
		return conversation.View{}, err
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, "inviter:"+inviterID) {
		return conversation.View{}, ErrRateLimited
	}
	c, err := a.machine.CreateInvitation(ctx, conversation.InvitationInput{
		TopicID:       in.TopicID,
		InviterID:     inviterID,
		InviteeID:     in.InviteeID,
		TimerDuration: in.TimerDuration,
		TimerUnit:     unit,
	})
	if err != nil {
		return conversation.View{}, err
	}
	return a.view(c), nil
}

func (a *App) AcceptInvitation(ctx context.Context, id, userID string) (conversation.View, error) {
	return a.viewOf(a.machine.Accept(ctx, id, userID))
}

func (a *App) RejectInvitation(ctx context.Context, id, userID string) (conversation.View, error) {
	return a.viewOf(a.machine.Reject(ctx, id, userID))
}

func (a *App) StartConversation(ctx context.Context, id, userID string) (conversation.View, error) {
	return a.viewOf(a.machine.Start(ctx, id, userID))
}

func (a *App) RequestCompletion(ctx context.Context, id, userID string) (conversation.View, error) {
	return a.viewOf(a.machine.RequestCompletion(ctx, id, userID))
}

// CompletionRequest carries both participants' final scores and the
// caller's optional feedback.
type CompletionRequest struct {
	Participant1Score domain.Score `json:"participant1Score"`
	Participant2Score domain.Score `json:"participant2Score"`
	Rating            int          `json:"rating"`
	Comment           string       `json:"comment"`
}

// CompleteConversation completes the conversation and awards both
// participants. When awarding fails the completed conversation is still
// returned with the error.
func (a *App) CompleteConversation(ctx context.Context, id, userID string, in CompletionRequest) (conversation.View, error) {
	input := conversation.CompletionInput{
		ActorID:           userID,
		Participant1Score: in.Participant1Score,
		Participant2Score: in.Participant2Score,
	}
	if in.Rating != 0 || strings.TrimSpace(in.Comment) != "" {
		input.Feedback = []domain.FeedbackEntry{{
			UserID:  userID,
			Rating:  in.Rating,
			Comment: strings.TrimSpace(in.Comment),
		}}
	}
	c, err := a.machine.Complete(ctx, id, input)
	if err != nil && c.ID == "" {
		return conversation.View{}, err
	}
	return a.view(c), err
}

// AddAIFeedback attaches suggestions on behalf of a participant.
func (a *App) AddAIFeedback(ctx context.Context, id, userID string, suggestions []domain.Suggestion) (conversation.View, error) {
	if len(suggestions) == 0 {
		return conversation.View{}, fmt.Errorf("%w: suggestions required", ErrInvalidArgument)
	}
	if _, err := a.GetConversation(ctx, id, userID); err != nil {
		return conversation.View{}, err
	}
	return a.viewOf(a.machine.AddAIFeedback(ctx, id, suggestions))
}

// GetConversation returns the conversation when userID takes part in it.
func (a *App) GetConversation(ctx context.Context, id, userID string) (conversation.View, error) {
	c, err := a.machine.Get(ctx, id)
	if err != nil {
		return conversation.View{}, err
	}
	if !c.HasParticipant(userID) {
		return conversation.View{}, fmt.Errorf("%w: %s", conversation.ErrNotParticipant, userID)
	}
	return a.view(c), nil
}

func (a *App) ListConversations(ctx context.Context, userID string) ([]conversation.View, error) {
	items, err := a.machine.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return conversation.AnnotateAll(items, a.machine.Now()), nil
}

type InvitationViews struct {
	Received []conversation.View `json:"received"`
	Sent     []conversation.View `json:"sent"`
}

func (a *App) ListInvitations(ctx context.Context, userID string) (InvitationViews, error) {
	inv, err := a.machine.ListInvitations(ctx, userID)
	if err != nil {
		return InvitationViews{}, err
	}
	now := a.machine.Now()
	return InvitationViews{
		Received: conversation.AnnotateAll(inv.Received, now),
		Sent:     conversation.AnnotateAll(inv.Sent, now),
	}, nil
}

// AwardResult holds the updated profile in inline mode or the queued job in
// queue mode.
type AwardResult struct {
	Profile *domain.UserProfile `json:"profile,omitempty"`
	Job     *queue.AwardJob     `json:"job,omitempty"`
}

// AwardPoints credits userID directly, outside any conversation.
func (a *App) AwardPoints(ctx context.Context, userID string, points int, category string) (AwardResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return AwardResult{}, fmt.Errorf("%w: userId required", ErrInvalidArgument)
	}
	if a.queue != nil {
		job, err := a.queue.Enqueue(ctx, queue.AwardJob{UserID: userID, Points: points, Category: category})
		if err != nil {
			return AwardResult{}, fmt.Errorf("enqueue award: %w", err)
		}
		return AwardResult{Job: &job}, nil
	}
	profile, err := a.engine.AwardPoints(ctx, userID, points, category)
	if err != nil {
		return AwardResult{}, err
	}
	return AwardResult{Profile: &profile}, nil
}

// GetAwardJob reports a queued award. ok is false in inline mode.
func (a *App) GetAwardJob(ctx context.Context, jobID string) (queue.AwardJob, bool, error) {
	if a.queue == nil {
		return queue.AwardJob{}, false, nil
	}
	return a.queue.GetJob(ctx, jobID)
}

func (a *App) GetProfile(ctx context.Context, userID string) (domain.UserProfile, bool, error) {
	profile, ok, err := a.store.GetProfileByUser(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, false, store.Wrap("get", "profile", userID, err)
	}
	return profile, ok, nil
}

// UpdateProfile sets the caller's display fields, creating the profile if
// needed.
func (a *App) UpdateProfile(ctx context.Context, userID string, details scoring.ProfileDetails) (domain.UserProfile, error) {
	return a.engine.EnsureProfile(ctx, userID, details)
}

func (a *App) view(c domain.Conversation) conversation.View {
	return conversation.Annotate(c, a.machine.Now())
}

func (a *App) viewOf(c domain.Conversation, err error) (conversation.View, error) {
	if err != nil {
		return conversation.View{}, err
	}
	return a.view(c), nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
