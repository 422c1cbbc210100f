// Package queue moves point awards onto a Redis Streams consumer group so
// they can be retried independently of the request that triggered them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"discussmatch/internal/util"
	"discussmatch/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// AwardJob is one pending credit for one user. Conversation awards carry the
// final score; direct awards carry Points and Category only.
type AwardJob struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`
	Points         int          `json:"points"`
	Category       string       `json:"category,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	Score          domain.Score `json:"score,omitempty"`
	Status         string       `json:"status"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	Attempts       int          `json:"attempts"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

type Handler func(context.Context, AwardJob) error

type RedisAwardQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisAwardQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisAwardQueue, error) {
	if client == nil {
		return nil, errors.New("queue redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisAwardQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue records the job status and appends it to the stream.
func (q *RedisAwardQueue) Enqueue(ctx context.Context, job AwardJob) (AwardJob, error) {
	job.UserID = strings.TrimSpace(job.UserID)
	if job.UserID == "" {
		return AwardJob{}, errors.New("userId required")
	}
	now := time.Now().UTC()
	job.ID = util.NewID()
	job.Status = StatusQueued
	job.Attempts = 0
	job.ErrorMessage = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := q.writeStatus(ctx, job); err != nil {
		return AwardJob{}, err
	}
	values, err := messageValues(job)
	if err != nil {
		return AwardJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return AwardJob{}, err
	}
	return job, nil
}

func (q *RedisAwardQueue) GetJob(ctx context.Context, jobID string) (AwardJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return AwardJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return AwardJob{}, false, err
	}
	if len(data) == 0 {
		return AwardJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisAwardQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// ensureGroup reads from the start of the stream so jobs enqueued before the
// first worker started are not skipped.
func (q *RedisAwardQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.LoggerFromContext(ctx).Warn("queue group create failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisAwardQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("stream", q.stream, "consumer", consumer)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Warn("queue read failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(q.retryDelay):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisAwardQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisAwardQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	logger := util.LoggerFromContext(ctx)
	payload, ok := jobFromMessage(msg.Values)
	if !ok {
		logger.Warn("queue message dropped", "msg_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, payload)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, job.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		logger.Error("award job failed", "job_id", job.ID, "user_id", job.UserID, "attempts", job.Attempts, "err", err)
		_ = q.markFailed(ctx, job.ID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger.Warn("award job retry", "job_id", job.ID, "user_id", job.UserID, "attempts", job.Attempts, "err", err)
	_ = q.markQueued(ctx, job.ID, err.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, msg.Values)
}

func (q *RedisAwardQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck appends a copy of the message and acknowledges the original
// in one transaction, so a failure leaves the original pending for reclaim.
func (q *RedisAwardQueue) requeueAndAck(ctx context.Context, msgID string, values map[string]any) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisAwardQueue) markProcessing(ctx context.Context, payload AwardJob) (AwardJob, error) {
	job, ok, err := q.GetJob(ctx, payload.ID)
	if err != nil {
		return AwardJob{}, err
	}
	if !ok {
		job = payload
	}
	// The message is authoritative for what to award.
	job.UserID = payload.UserID
	job.Points = payload.Points
	job.Category = payload.Category
	job.ConversationID = payload.ConversationID
	job.Score = payload.Score
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return AwardJob{}, err
	}
	return job, nil
}

func (q *RedisAwardQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.updateStatus(ctx, jobID, StatusQueued, errMsg)
}

func (q *RedisAwardQueue) markDone(ctx context.Context, jobID string) error {
	return q.updateStatus(ctx, jobID, StatusDone, "")
}

func (q *RedisAwardQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.updateStatus(ctx, jobID, StatusFailed, errMsg)
}

func (q *RedisAwardQueue) updateStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisAwardQueue) writeStatus(ctx context.Context, job AwardJob) error {
	key := q.jobKey(job.ID)
	score, err := json.Marshal(job.Score)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	payload := map[string]any{
		"id":             job.ID,
		"userId":         job.UserID,
		"points":         strconv.Itoa(job.Points),
		"category":       job.Category,
		"conversationId": job.ConversationID,
		"score":          string(score),
		"status":         job.Status,
		"error":          job.ErrorMessage,
		"attempts":       strconv.Itoa(job.Attempts),
		"createdAt":      job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":      job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisAwardQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func messageValues(job AwardJob) (map[string]any, error) {
	score, err := json.Marshal(job.Score)
	if err != nil {
		return nil, fmt.Errorf("encode score: %w", err)
	}
	return map[string]any{
		"job_id":          job.ID,
		"user_id":         job.UserID,
		"points":          strconv.Itoa(job.Points),
		"category":        job.Category,
		"conversation_id": job.ConversationID,
		"score":           string(score),
	}, nil
}

func jobFromMessage(values map[string]any) (AwardJob, bool) {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}
	job := AwardJob{
		ID:             str("job_id"),
		UserID:         str("user_id"),
		Category:       str("category"),
		ConversationID: str("conversation_id"),
	}
	if job.ID == "" || job.UserID == "" {
		return AwardJob{}, false
	}
	if v := str("points"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return AwardJob{}, false
		}
		job.Points = n
	}
	if v := str("score"); v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &job.Score); err != nil {
			return AwardJob{}, false
		}
	}
	return job, true
}

func decodeJob(jobID string, data map[string]string) AwardJob {
	job := AwardJob{
		ID:             jobID,
		UserID:         data["userId"],
		Category:       data["category"],
		ConversationID: data["conversationId"],
		Status:         data["status"],
		ErrorMessage:   data["error"],
	}
	if v := data["points"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Points = n
		}
	}
	if v := data["score"]; v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &job.Score)
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
