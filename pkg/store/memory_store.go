package store

import (
	"context"
	"sync"
	"time"

	"discussmatch/pkg/domain"
)

// MemoryStore keeps records in-process. Used for local runs and tests.
type MemoryStore struct {
	mu sync.RWMutex

	topics     map[string]domain.Topic
	topicOrder []string

	opinions     map[string]domain.TopicOpinion
	opinionOrder []string

	profiles      map[string]domain.UserProfile // key: profile ID
	profileByUser map[string]string             // user ID -> profile ID

	conversations     map[string]domain.Conversation
	conversationOrder []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics:        make(map[string]domain.Topic),
		opinions:      make(map[string]domain.TopicOpinion),
		profiles:      make(map[string]domain.UserProfile),
		profileByUser: make(map[string]string),
		conversations: make(map[string]domain.Conversation),
	}
}

// SaveTopic stores or replaces a topic and tracks insertion order.
func (m *MemoryStore) SaveTopic(_ context.Context, t domain.Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.topics[t.ID]; !exists {
		m.topicOrder = append(m.topicOrder, t.ID)
	}
	t.Tags = cloneStrings(t.Tags)
	m.topics[t.ID] = t
	return nil
}

// GetTopic retrieves a topic by ID.
func (m *MemoryStore) GetTopic(_ context.Context, id string) (domain.Topic, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[id]
	if !ok {
		return domain.Topic{}, false, nil
	}
	t.Tags = cloneStrings(t.Tags)
	return t, true, nil
}

// ListTopics returns topics in insertion order.
func (m *MemoryStore) ListTopics(_ context.Context) ([]domain.Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Topic, 0, len(m.topicOrder))
	for _, id := range m.topicOrder {
		if t, ok := m.topics[id]; ok {
			t.Tags = cloneStrings(t.Tags)
			res = append(res, t)
		}
	}
	return res, nil
}

// SaveOpinion stores or replaces an opinion by ID.
func (m *MemoryStore) SaveOpinion(_ context.Context, o domain.TopicOpinion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.opinions[o.ID]; !exists {
		m.opinionOrder = append(m.opinionOrder, o.ID)
	}
	m.opinions[o.ID] = o
	return nil
}

// GetOpinionByUserTopic returns the first opinion recorded by userID on topicID.
func (m *MemoryStore) GetOpinionByUserTopic(_ context.Context, userID, topicID string) (domain.TopicOpinion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.opinionOrder {
		o := m.opinions[id]
		if o.UserID == userID && o.TopicID == topicID {
			return o, true, nil
		}
	}
	return domain.TopicOpinion{}, false, nil
}

// ListOpinionsByTopic returns a topic's opinions in insertion order.
func (m *MemoryStore) ListOpinionsByTopic(_ context.Context, topicID string) ([]domain.TopicOpinion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.TopicOpinion, 0)
	for _, id := range m.opinionOrder {
		if o := m.opinions[id]; o.TopicID == topicID {
			res = append(res, o)
		}
	}
	return res, nil
}

// CreateProfile inserts a profile. A second profile for the same user is a conflict.
func (m *MemoryStore) CreateProfile(_ context.Context, p domain.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.profileByUser[p.UserID]; exists {
		return ErrConflict
	}
	if _, exists := m.profiles[p.ID]; exists {
		return ErrConflict
	}
	m.profiles[p.ID] = cloneProfile(p)
	m.profileByUser[p.UserID] = p.ID
	return nil
}

// GetProfileByUser looks up the profile owned by userID.
func (m *MemoryStore) GetProfileByUser(_ context.Context, userID string) (domain.UserProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.profileByUser[userID]
	if !ok {
		return domain.UserProfile{}, false, nil
	}
	p, ok := m.profiles[id]
	if !ok {
		return domain.UserProfile{}, false, nil
	}
	return cloneProfile(p), true, nil
}

// ListProfilesByUsers returns the profiles that exist for userIDs.
func (m *MemoryStore) ListProfilesByUsers(_ context.Context, userIDs []string) ([]domain.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.UserProfile, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		if id, ok := m.profileByUser[userID]; ok {
			res = append(res, cloneProfile(m.profiles[id]))
		}
	}
	return res, nil
}

// UpdateProfile applies patch to the profile with the given ID.
func (m *MemoryStore) UpdateProfile(_ context.Context, id string, patch ProfilePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrNotFound
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.AvatarColor != nil {
		p.AvatarColor = *patch.AvatarColor
	}
	if patch.Level != nil {
		p.Level = *patch.Level
	}
	if patch.TotalPoints != nil {
		p.TotalPoints = *patch.TotalPoints
	}
	if patch.ConversationsCompleted != nil {
		p.ConversationsCompleted = *patch.ConversationsCompleted
	}
	if patch.Badges != nil {
		p.Badges = cloneStrings(patch.Badges)
	}
	if patch.HighestScores != nil {
		p.HighestScores = cloneInts(patch.HighestScores)
	}
	p.UpdatedAt = time.Now().UTC()
	m.profiles[id] = p
	return nil
}

// CreateConversation inserts a conversation record.
func (m *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return ErrConflict
	}
	m.conversations[c.ID] = cloneConversation(c)
	m.conversationOrder = append(m.conversationOrder, c.ID)
	return nil
}

// GetConversation returns one conversation by ID.
func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return cloneConversation(c), true, nil
}

// FindConversations returns matching conversations in insertion order.
func (m *MemoryStore) FindConversations(_ context.Context, filter ConversationFilter) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, id := range m.conversationOrder {
		c := m.conversations[id]
		if filter.Matches(c) {
			res = append(res, cloneConversation(c))
		}
	}
	return res, nil
}

// UpdateConversation applies patch to the conversation with the given ID.
func (m *MemoryStore) UpdateConversation(_ context.Context, id string, patch ConversationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		c.StartedAt = patch.StartedAt.UTC()
	}
	if patch.Participant1Score != nil {
		c.Participant1Score = patch.Participant1Score.Clone()
	}
	if patch.Participant2Score != nil {
		c.Participant2Score = patch.Participant2Score.Clone()
	}
	if patch.CompletionRequestedBy != nil {
		c.CompletionRequestedBy = *patch.CompletionRequestedBy
	}
	if patch.CompletionFeedback != nil {
		c.CompletionFeedback = append([]domain.FeedbackEntry(nil), patch.CompletionFeedback...)
	}
	if patch.AIFeedback != nil {
		c.AIFeedback = append([]domain.Suggestion(nil), patch.AIFeedback...)
	}
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneInts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneProfile(p domain.UserProfile) domain.UserProfile {
	p.Badges = cloneStrings(p.Badges)
	p.HighestScores = cloneInts(p.HighestScores)
	return p
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	if c.TimerDuration != nil {
		v := *c.TimerDuration
		c.TimerDuration = &v
	}
	if c.ExpiresAt != nil {
		v := *c.ExpiresAt
		c.ExpiresAt = &v
	}
	c.Participant1Score = c.Participant1Score.Clone()
	c.Participant2Score = c.Participant2Score.Clone()
	if c.CompletionFeedback != nil {
		c.CompletionFeedback = append([]domain.FeedbackEntry(nil), c.CompletionFeedback...)
	}
	if c.AIFeedback != nil {
		c.AIFeedback = append([]domain.Suggestion(nil), c.AIFeedback...)
	}
	return c
}
