// Package conversation drives invitations and conversations through their
// lifecycle: invited, waiting, active, completion_requested, then completed,
// or rejected from either of the first two.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"discussmatch/internal/util"
	"discussmatch/pkg/domain"
	"discussmatch/pkg/lock"
	"discussmatch/pkg/store"
)

// Store is the part of store.Store the machine reads and writes.
type Store interface {
	GetTopic(ctx context.Context, id string) (domain.Topic, bool, error)
	CreateConversation(ctx context.Context, conversation domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	FindConversations(ctx context.Context, filter store.ConversationFilter) ([]domain.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch store.ConversationPatch) error
}

// PointsAwarder credits one participant of a completed conversation.
type PointsAwarder interface {
	AwardConversation(ctx context.Context, conversationID, userID string, score domain.Score) error
}

type Machine struct {
	store   Store
	awarder PointsAwarder
	locker  lock.Locker
	now     func() time.Time
	newID   func() string
}

type Option func(*Machine)

func WithLocker(l lock.Locker) Option {
	return func(m *Machine) { m.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) { m.newID = newID }
}

// New builds a machine. awarder may be nil, in which case completion does
// not award points.
func New(s Store, awarder PointsAwarder, opts ...Option) *Machine {
	m := &Machine{
		store:   s,
		awarder: awarder,
		locker:  lock.NewLocalLocker(),
		now:     time.Now,
		newID:   util.NewID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now is the machine's clock, used for read-time expiry checks.
func (m *Machine) Now() time.Time {
	return m.now().UTC()
}

type InvitationInput struct {
	TopicID   string
	InviterID string
	InviteeID string
	// TimerDuration of zero means no timer.
	TimerDuration int
	TimerUnit     TimerUnit
}

// CreateInvitation opens a new conversation in the invited state. It refuses
// when the pair already has a non-terminal conversation on the topic, in
// either slot order.
func (m *Machine) CreateInvitation(ctx context.Context, in InvitationInput) (domain.Conversation, error) {
	in.TopicID = strings.TrimSpace(in.TopicID)
	in.InviterID = strings.TrimSpace(in.InviterID)
	in.InviteeID = strings.TrimSpace(in.InviteeID)
	if in.TopicID == "" || in.InviterID == "" || in.InviteeID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: topic, inviter and invitee are required", ErrInvalidInvitation)
	}
	if in.InviterID == in.InviteeID {
		return domain.Conversation{}, fmt.Errorf("%w: cannot invite yourself", ErrInvalidInvitation)
	}
	var timerMinutes int
	if in.TimerDuration != 0 {
		unit := in.TimerUnit
		if unit == "" {
			unit = UnitMinutes
		}
		minutes, err := ConvertToMinutes(in.TimerDuration, unit)
		if err != nil {
			return domain.Conversation{}, err
		}
		timerMinutes = minutes
	}

	if _, ok, err := m.store.GetTopic(ctx, in.TopicID); err != nil {
		return domain.Conversation{}, store.Wrap("get", "topic", in.TopicID, err)
	} else if !ok {
		return domain.Conversation{}, fmt.Errorf("%w: %s", ErrTopicNotFound, in.TopicID)
	}

	unlock, err := m.locker.Lock(ctx, pairKey(in.TopicID, in.InviterID, in.InviteeID))
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("lock invitation: %w", err)
	}
	defer unlock()

	open, err := m.store.FindConversations(ctx, store.ConversationFilter{
		TopicID:      in.TopicID,
		Participants: []string{in.InviterID, in.InviteeID},
		Statuses:     domain.NonTerminalStatuses(),
	})
	if err != nil {
		return domain.Conversation{}, store.Wrap("find", "conversation", in.TopicID, err)
	}
	if len(open) > 0 {
		return domain.Conversation{}, &DuplicateError{
			TopicID:      in.TopicID,
			ParticipantA: in.InviterID,
			ParticipantB: in.InviteeID,
			ExistingID:   open[0].ID,
		}
	}

	now := m.Now()
	c := domain.Conversation{
		ID:                 m.newID(),
		TopicID:            in.TopicID,
		Participant1ID:     in.InviterID,
		Participant2ID:     in.InviteeID,
		Status:             domain.StatusInvited,
		StartedAt:          now,
		CompletionFeedback: []domain.FeedbackEntry{},
		AIFeedback:         []domain.Suggestion{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if timerMinutes > 0 {
		expires := now.Add(time.Duration(timerMinutes) * time.Minute)
		c.TimerDuration = &timerMinutes
		c.ExpiresAt = &expires
	}
	if err := m.store.CreateConversation(ctx, c); err != nil {
		return domain.Conversation{}, store.Wrap("create", "conversation", c.ID, err)
	}
	util.LoggerFromContext(ctx).Info("invitation created",
		"conversation_id", c.ID,
		"topic_id", c.TopicID,
		"inviter_id", c.Participant1ID,
		"invitee_id", c.Participant2ID,
		"timer_minutes", timerMinutes,
	)
	return c, nil
}

// Accept moves an invitation to waiting. Only the invitee may accept.
func (m *Machine) Accept(ctx context.Context, id, actorID string) (domain.Conversation, error) {
	return m.apply(ctx, id, EventAccept, func(c domain.Conversation, patch *store.ConversationPatch) error {
		return requireInvitee(c, actorID)
	})
}

// Reject ends an invitation that is invited or waiting. Only the invitee may reject.
func (m *Machine) Reject(ctx context.Context, id, actorID string) (domain.Conversation, error) {
	return m.apply(ctx, id, EventReject, func(c domain.Conversation, patch *store.ConversationPatch) error {
		return requireInvitee(c, actorID)
	})
}

// Start marks a waiting conversation active. started_at is kept when already set.
func (m *Machine) Start(ctx context.Context, id, actorID string) (domain.Conversation, error) {
	return m.apply(ctx, id, EventStart, func(c domain.Conversation, patch *store.ConversationPatch) error {
		if err := requireParticipant(c, actorID); err != nil {
			return err
		}
		if c.StartedAt.IsZero() {
			now := m.Now()
			patch.StartedAt = &now
		}
		return nil
	})
}

// RequestCompletion records that actorID wants to finish an active conversation.
func (m *Machine) RequestCompletion(ctx context.Context, id, actorID string) (domain.Conversation, error) {
	return m.apply(ctx, id, EventRequestCompletion, func(c domain.Conversation, patch *store.ConversationPatch) error {
		if err := requireParticipant(c, actorID); err != nil {
			return err
		}
		requester := actorID
		patch.CompletionRequestedBy = &requester
		return nil
	})
}

type CompletionInput struct {
	// ActorID is the confirming participant and must not be the requester.
	// Empty means an external trigger.
	ActorID           string
	Participant1Score domain.Score
	Participant2Score domain.Score
	Feedback          []domain.FeedbackEntry
}

// Complete finalizes both scores, stores them with any feedback, and then
// awards points to both participants concurrently. The status write commits
// before awarding; an award failure is returned together with the completed
// conversation.
func (m *Machine) Complete(ctx context.Context, id string, in CompletionInput) (domain.Conversation, error) {
	score1, err := FinalizeScore(in.Participant1Score)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("participant1 score: %w", err)
	}
	score2, err := FinalizeScore(in.Participant2Score)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("participant2 score: %w", err)
	}

	c, err := m.apply(ctx, id, EventComplete, func(c domain.Conversation, patch *store.ConversationPatch) error {
		if in.ActorID != "" {
			if err := requireParticipant(c, in.ActorID); err != nil {
				return err
			}
			if in.ActorID == c.CompletionRequestedBy {
				return fmt.Errorf("%w: %s requested completion", ErrSelfConfirm, in.ActorID)
			}
		}
		feedback := append([]domain.FeedbackEntry{}, c.CompletionFeedback...)
		now := m.Now()
		for _, f := range in.Feedback {
			if f.UserID == "" {
				f.UserID = in.ActorID
			}
			if f.UserID != "" && !c.HasParticipant(f.UserID) {
				return fmt.Errorf("%w: feedback from %s", ErrNotParticipant, f.UserID)
			}
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			feedback = append(feedback, f)
		}
		patch.Participant1Score = score1
		patch.Participant2Score = score2
		patch.CompletionFeedback = feedback
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	if m.awarder == nil {
		return c, nil
	}

	// Both awards run to completion even if one fails.
	var g errgroup.Group
	g.Go(func() error {
		return m.awarder.AwardConversation(ctx, c.ID, c.Participant1ID, score1)
	})
	g.Go(func() error {
		return m.awarder.AwardConversation(ctx, c.ID, c.Participant2ID, score2)
	})
	if err := g.Wait(); err != nil {
		util.LoggerFromContext(ctx).Error("award after completion failed", "conversation_id", c.ID, "err", err)
		return c, fmt.Errorf("award points for conversation %s: %w", c.ID, err)
	}
	return c, nil
}

// AddAIFeedback appends opaque suggestions to an active or
// completion_requested conversation. The status does not change.
func (m *Machine) AddAIFeedback(ctx context.Context, id string, suggestions []domain.Suggestion) (domain.Conversation, error) {
	return m.apply(ctx, id, EventAIFeedback, func(c domain.Conversation, patch *store.ConversationPatch) error {
		now := m.Now()
		merged := append([]domain.Suggestion{}, c.AIFeedback...)
		for _, s := range suggestions {
			if s.CreatedAt.IsZero() {
				s.CreatedAt = now
			}
			merged = append(merged, s)
		}
		patch.AIFeedback = merged
		return nil
	})
}

// Get returns one conversation.
func (m *Machine) Get(ctx context.Context, id string) (domain.Conversation, error) {
	c, ok, err := m.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, store.Wrap("get", "conversation", id, err)
	}
	if !ok {
		return domain.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// ListForUser returns every conversation userID takes part in.
func (m *Machine) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	items, err := m.store.FindConversations(ctx, store.ConversationFilter{Participants: []string{userID}})
	if err != nil {
		return nil, store.Wrap("find", "conversation", userID, err)
	}
	return items, nil
}

type Invitations struct {
	Received []domain.Conversation
	Sent     []domain.Conversation
}

// ListInvitations returns pending invitations addressed to and sent by userID.
func (m *Machine) ListInvitations(ctx context.Context, userID string) (Invitations, error) {
	invited := []domain.ConversationStatus{domain.StatusInvited}
	received, err := m.store.FindConversations(ctx, store.ConversationFilter{Participant2ID: userID, Statuses: invited})
	if err != nil {
		return Invitations{}, store.Wrap("find", "conversation", userID, err)
	}
	sent, err := m.store.FindConversations(ctx, store.ConversationFilter{Participant1ID: userID, Statuses: invited})
	if err != nil {
		return Invitations{}, store.Wrap("find", "conversation", userID, err)
	}
	return Invitations{Received: received, Sent: sent}, nil
}

type mutator func(c domain.Conversation, patch *store.ConversationPatch) error

// apply loads the conversation, checks ev against the transition table, lets
// mutate fill in the patch, and writes it. Transitions on one conversation
// are serialized.
func (m *Machine) apply(ctx context.Context, id string, ev Event, mutate mutator) (domain.Conversation, error) {
	unlock, err := m.locker.Lock(ctx, "conversation:"+id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	c, err := m.Get(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	to, ok := Next(c.Status, ev)
	if !ok {
		return domain.Conversation{}, &TransitionError{ConversationID: id, From: c.Status, Event: ev}
	}
	patch := store.ConversationPatch{}
	if err := mutate(c, &patch); err != nil {
		return domain.Conversation{}, err
	}
	if to != c.Status {
		patch.Status = &to
	}
	if err := m.store.UpdateConversation(ctx, id, patch); err != nil {
		return domain.Conversation{}, store.Wrap("update", "conversation", id, err)
	}

	from := c.Status
	applyPatch(&c, patch)
	c.UpdatedAt = m.Now()
	if from != c.Status {
		util.LoggerFromContext(ctx).Info("conversation transition",
			"conversation_id", id,
			"event", string(ev),
			"from", string(from),
			"to", string(c.Status),
		)
	}
	return c, nil
}

func applyPatch(c *domain.Conversation, patch store.ConversationPatch) {
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		c.StartedAt = *patch.StartedAt
	}
	if patch.Participant1Score != nil {
		c.Participant1Score = patch.Participant1Score
	}
	if patch.Participant2Score != nil {
		c.Participant2Score = patch.Participant2Score
	}
	if patch.CompletionRequestedBy != nil {
		c.CompletionRequestedBy = *patch.CompletionRequestedBy
	}
	if patch.CompletionFeedback != nil {
		c.CompletionFeedback = patch.CompletionFeedback
	}
	if patch.AIFeedback != nil {
		c.AIFeedback = patch.AIFeedback
	}
}

func requireParticipant(c domain.Conversation, actorID string) error {
	if !c.HasParticipant(actorID) {
		return fmt.Errorf("%w: %q in conversation %s", ErrNotParticipant, actorID, c.ID)
	}
	return nil
}

func requireInvitee(c domain.Conversation, actorID string) error {
	if err := requireParticipant(c, actorID); err != nil {
		return err
	}
	if c.Participant2ID != actorID {
		return fmt.Errorf("%w: conversation %s", ErrNotInvitee, c.ID)
	}
	return nil
}

func pairKey(topicID, a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "invite:" + topicID + ":" + pair[0] + ":" + pair[1]
}
