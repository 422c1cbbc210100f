package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"discussmatch/pkg/domain"
)

const migrateLockID int64 = 51877305

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database named by dsn and runs auto-migrations.
// "sqlite:<path>" selects SQLite; anything else is handed to the Postgres driver.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn required")
	}
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}
	return OpenGormStore(dialector)
}

// OpenGormStore builds a store on an explicit dialector and runs auto-migrations.
func OpenGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&TopicModel{}, &OpinionModel{}, &ProfileModel{}, &ConversationModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveTopic stores or updates a topic.
func (s *GormStore) SaveTopic(ctx context.Context, t domain.Topic) error {
	model := topicToModel(t)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "tags", "category"}),
	}).Create(&model).Error
}

// GetTopic retrieves a topic.
func (s *GormStore) GetTopic(ctx context.Context, id string) (domain.Topic, bool, error) {
	var model TopicModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Topic{}, false, nil
		}
		return domain.Topic{}, false, err
	}
	return topicFromModel(model), true, nil
}

// ListTopics returns all topics ordered by created_at.
func (s *GormStore) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	var models []TopicModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Topic, 0, len(models))
	for _, m := range models {
		res = append(res, topicFromModel(m))
	}
	return res, nil
}

// SaveOpinion stores or updates an opinion.
func (s *GormStore) SaveOpinion(ctx context.Context, o domain.TopicOpinion) error {
	model := opinionToModel(o)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"stance", "reasoning", "willing_to_discuss", "updated_at"}),
	}).Create(&model).Error
}

// GetOpinionByUserTopic returns the earliest opinion userID recorded on topicID.
func (s *GormStore) GetOpinionByUserTopic(ctx context.Context, userID, topicID string) (domain.TopicOpinion, bool, error) {
	var model OpinionModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND topic_id = ?", userID, topicID).
		Order("created_at ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.TopicOpinion{}, false, nil
		}
		return domain.TopicOpinion{}, false, err
	}
	return opinionFromModel(model), true, nil
}

// ListOpinionsByTopic returns a topic's opinions in creation order.
func (s *GormStore) ListOpinionsByTopic(ctx context.Context, topicID string) ([]domain.TopicOpinion, error) {
	var models []OpinionModel
	if err := s.db.WithContext(ctx).
		Where("topic_id = ?", topicID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.TopicOpinion, 0, len(models))
	for _, m := range models {
		res = append(res, opinionFromModel(m))
	}
	return res, nil
}

// CreateProfile inserts a profile; a duplicate user_id yields ErrConflict.
func (s *GormStore) CreateProfile(ctx context.Context, p domain.UserProfile) error {
	model := profileToModel(p)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetProfileByUser returns the profile owned by userID.
func (s *GormStore) GetProfileByUser(ctx context.Context, userID string) (domain.UserProfile, bool, error) {
	var model ProfileModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserProfile{}, false, nil
		}
		return domain.UserProfile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// ListProfilesByUsers returns the profiles that exist for userIDs.
func (s *GormStore) ListProfilesByUsers(ctx context.Context, userIDs []string) ([]domain.UserProfile, error) {
	if len(userIDs) == 0 {
		return []domain.UserProfile{}, nil
	}
	var models []ProfileModel
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UserProfile, 0, len(models))
	for _, m := range models {
		res = append(res, profileFromModel(m))
	}
	return res, nil
}

// UpdateProfile writes the non-nil patch fields.
func (s *GormStore) UpdateProfile(ctx context.Context, id string, patch ProfilePatch) error {
	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if patch.DisplayName != nil {
		updates["display_name"] = *patch.DisplayName
	}
	if patch.AvatarColor != nil {
		updates["avatar_color"] = *patch.AvatarColor
	}
	if patch.Level != nil {
		updates["level"] = *patch.Level
	}
	if patch.TotalPoints != nil {
		updates["total_points"] = *patch.TotalPoints
	}
	if patch.ConversationsCompleted != nil {
		updates["conversations_completed"] = *patch.ConversationsCompleted
	}
	if patch.Badges != nil {
		updates["badges"] = mustJSON(patch.Badges)
	}
	if patch.HighestScores != nil {
		updates["highest_scores"] = mustJSON(patch.HighestScores)
	}
	res := s.db.WithContext(ctx).Model(&ProfileModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	model := conversationToModel(c)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// FindConversations returns conversations matching filter in creation order.
func (s *GormStore) FindConversations(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error) {
	tx := s.db.WithContext(ctx).Model(&ConversationModel{})
	if filter.TopicID != "" {
		tx = tx.Where("topic_id = ?", filter.TopicID)
	}
	if filter.Participant1ID != "" {
		tx = tx.Where("participant1_id = ?", filter.Participant1ID)
	}
	if filter.Participant2ID != "" {
		tx = tx.Where("participant2_id = ?", filter.Participant2ID)
	}
	switch len(filter.Participants) {
	case 0:
	case 1:
		p := filter.Participants[0]
		tx = tx.Where("(participant1_id = ? OR participant2_id = ?)", p, p)
	default:
		a, b := filter.Participants[0], filter.Participants[1]
		tx = tx.Where("((participant1_id = ? AND participant2_id = ?) OR (participant1_id = ? AND participant2_id = ?))", a, b, b, a)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		tx = tx.Where("status IN ?", statuses)
	}
	var models []ConversationModel
	if err := tx.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// UpdateConversation writes the non-nil patch fields.
func (s *GormStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.StartedAt != nil {
		updates["started_at"] = patch.StartedAt.UTC()
	}
	if patch.Participant1Score != nil {
		updates["participant1_score"] = mustJSON(patch.Participant1Score)
	}
	if patch.Participant2Score != nil {
		updates["participant2_score"] = mustJSON(patch.Participant2Score)
	}
	if patch.CompletionRequestedBy != nil {
		updates["completion_requested_by"] = *patch.CompletionRequestedBy
	}
	if patch.CompletionFeedback != nil {
		updates["completion_feedback"] = mustJSON(patch.CompletionFeedback)
	}
	if patch.AIFeedback != nil {
		updates["ai_feedback"] = mustJSON(patch.AIFeedback)
	}
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func mustJSON(v any) []byte {
	raw, _ := json.Marshal(v)
	return raw
}

func decodeJSON[T any](raw []byte) T {
	var out T
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func topicToModel(t domain.Topic) TopicModel {
	return TopicModel{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Tags:        mustJSON(t.Tags),
		Category:    t.Category,
		CreatedAt:   t.CreatedAt,
	}
}

func topicFromModel(m TopicModel) domain.Topic {
	return domain.Topic{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Tags:        decodeJSON[[]string](m.Tags),
		Category:    m.Category,
		CreatedAt:   m.CreatedAt,
	}
}

func opinionToModel(o domain.TopicOpinion) OpinionModel {
	return OpinionModel{
		ID:               o.ID,
		UserID:           o.UserID,
		TopicID:          o.TopicID,
		Stance:           string(o.Stance),
		Reasoning:        o.Reasoning,
		WillingToDiscuss: o.WillingToDiscuss,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func opinionFromModel(m OpinionModel) domain.TopicOpinion {
	return domain.TopicOpinion{
		ID:               m.ID,
		UserID:           m.UserID,
		TopicID:          m.TopicID,
		Stance:           domain.Stance(m.Stance),
		Reasoning:        m.Reasoning,
		WillingToDiscuss: m.WillingToDiscuss,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func profileToModel(p domain.UserProfile) ProfileModel {
	return ProfileModel{
		ID:                     p.ID,
		UserID:                 p.UserID,
		DisplayName:            p.DisplayName,
		AvatarColor:            p.AvatarColor,
		Level:                  p.Level,
		TotalPoints:            p.TotalPoints,
		ConversationsCompleted: p.ConversationsCompleted,
		Badges:                 mustJSON(p.Badges),
		HighestScores:          mustJSON(p.HighestScores),
		CreatedAt:              p.CreatedAt,
		UpdatedAt:              p.UpdatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.UserProfile {
	return domain.UserProfile{
		ID:                     m.ID,
		UserID:                 m.UserID,
		DisplayName:            m.DisplayName,
		AvatarColor:            m.AvatarColor,
		Level:                  m.Level,
		TotalPoints:            m.TotalPoints,
		ConversationsCompleted: m.ConversationsCompleted,
		Badges:                 decodeJSON[[]string](m.Badges),
		HighestScores:          decodeJSON[map[string]int](m.HighestScores),
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:                    c.ID,
		TopicID:               c.TopicID,
		Participant1ID:        c.Participant1ID,
		Participant2ID:        c.Participant2ID,
		Status:                string(c.Status),
		StartedAt:             c.StartedAt,
		TimerDuration:         c.TimerDuration,
		ExpiresAt:             c.ExpiresAt,
		Participant1Score:     mustJSON(c.Participant1Score),
		Participant2Score:     mustJSON(c.Participant2Score),
		CompletionRequestedBy: c.CompletionRequestedBy,
		CompletionFeedback:    mustJSON(c.CompletionFeedback),
		AIFeedback:            mustJSON(c.AIFeedback),
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	var expiresAt *time.Time
	if m.ExpiresAt != nil {
		v := m.ExpiresAt.UTC()
		expiresAt = &v
	}
	return domain.Conversation{
		ID:                    m.ID,
		TopicID:               m.TopicID,
		Participant1ID:        m.Participant1ID,
		Participant2ID:        m.Participant2ID,
		Status:                domain.ConversationStatus(m.Status),
		StartedAt:             m.StartedAt.UTC(),
		TimerDuration:         m.TimerDuration,
		ExpiresAt:             expiresAt,
		Participant1Score:     decodeJSON[domain.Score](m.Participant1Score),
		Participant2Score:     decodeJSON[domain.Score](m.Participant2Score),
		CompletionRequestedBy: m.CompletionRequestedBy,
		CompletionFeedback:    decodeJSON[[]domain.FeedbackEntry](m.CompletionFeedback),
		AIFeedback:            decodeJSON[[]domain.Suggestion](m.AIFeedback),
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}
