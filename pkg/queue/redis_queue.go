// Package queue delivers owner notifications through a Redis stream consumer
// group. Failed deliveries are retried with growing delays up to MaxRetries
// attempts, and messages left pending by a dead consumer are reclaimed after
// ClaimIdle.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"rentalhub/internal/util"
	"rentalhub/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Stream entry fields.
const (
	fieldJob  = "job"
	fieldBody = "body"
)

// Notification is the payload of one moderation e-mail.
type Notification struct {
	ListingID  int64            `json:"listingId"`
	Title      string           `json:"title"`
	OwnerID    int64            `json:"ownerId"`
	OwnerName  string           `json:"ownerName"`
	OwnerEmail string           `json:"ownerEmail"`
	Decision   domain.EventType `json:"decision"`
}

func NewNotification(owner domain.User, l domain.Listing, decision domain.EventType) Notification {
	return Notification{
		ListingID:  l.ID,
		Title:      l.Title,
		OwnerID:    owner.ID,
		OwnerName:  owner.Username,
		OwnerEmail: owner.Email,
		Decision:   decision,
	}
}

func (n Notification) Owner() domain.User {
	return domain.User{ID: n.OwnerID, Username: n.OwnerName, Email: n.OwnerEmail}
}

func (n Notification) Listing() domain.Listing {
	return domain.Listing{ID: n.ListingID, Title: n.Title, OwnerID: n.OwnerID}
}

func (n Notification) validate() error {
	switch {
	case n.ListingID <= 0:
		return errors.New("notification needs a listing id")
	case strings.TrimSpace(n.OwnerEmail) == "":
		return errors.New("notification needs an owner email")
	case n.Decision != domain.EventApproved && n.Decision != domain.EventRejected:
		return fmt.Errorf("no notification for %q", n.Decision)
	}
	return nil
}

// JobStatus is the tracked state of one queued notification.
type JobStatus struct {
	ID           string       `json:"id"`
	Notification Notification `json:"notification"`
	Status       string       `json:"status"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Attempts     int          `json:"attempts"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job JobStatus) error

type RedisQueueConfig struct {
	Client   redis.UniversalClient
	Stream   string
	Group    string
	Consumer string
	// JobTTL bounds how long job records stay readable through GetJob.
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	// RetryDelay doubles per attempt up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MaxLen        int64
	ReadCount     int64
}

type RedisJobQueue struct {
	client     redis.UniversalClient
	stream     string
	group      string
	consumer   string
	jobTTL     time.Duration
	maxRetries int
	block      time.Duration
	claimIdle  time.Duration
	retryDelay time.Duration
	retryCap   time.Duration
	maxLen     int64
	batch      int64

	groupOnce sync.Once
	wg        sync.WaitGroup
}

func orDefault[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisJobQueue{
		client:     cfg.Client,
		stream:     stream,
		group:      strings.TrimSpace(cfg.Group),
		consumer:   strings.TrimSpace(cfg.Consumer),
		jobTTL:     orDefault(cfg.JobTTL, 24*time.Hour),
		maxRetries: orDefault(cfg.MaxRetries, 3),
		block:      orDefault(cfg.Block, 5*time.Second),
		claimIdle:  orDefault(cfg.ClaimIdle, 30*time.Second),
		retryDelay: orDefault(cfg.RetryDelay, 2*time.Second),
		retryCap:   orDefault(cfg.MaxRetryDelay, time.Minute),
		maxLen:     orDefault(cfg.MaxLen, int64(10000)),
		batch:      orDefault(cfg.ReadCount, int64(10)),
	}
	if q.group == "" {
		q.group = "default"
	}
	if q.consumer == "" {
		q.consumer = util.NewID()
	}
	return q, nil
}

// Enqueue records a queued job and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, n Notification) (JobStatus, error) {
	if err := n.validate(); err != nil {
		return JobStatus{}, err
	}
	q.ensureGroup(ctx)

	now := time.Now().UTC()
	job := JobStatus{ID: util.NewID(), Notification: n, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}
	if err := q.saveJob(ctx, job); err != nil {
		return JobStatus{}, err
	}
	body, err := json.Marshal(n)
	if err != nil {
		return JobStatus{}, fmt.Errorf("encode notification: %w", err)
	}
	if err := q.client.XAdd(ctx, q.entry(job.ID, string(body))).Err(); err != nil {
		return JobStatus{}, fmt.Errorf("append to %s: %w", q.stream, err)
	}
	return job, nil
}

func (q *RedisJobQueue) entry(jobID, body string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{fieldJob: jobID, fieldBody: body},
	}
}

// GetJob reads a job record. Expired or unknown ids report false.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	if jobID = strings.TrimSpace(jobID); jobID == "" {
		return JobStatus{}, false, nil
	}
	raw, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return JobStatus{}, false, nil
	}
	if err != nil {
		return JobStatus{}, false, err
	}
	var job JobStatus
	if err := json.Unmarshal(raw, &job); err != nil {
		return JobStatus{}, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, true, nil
}

// Start launches concurrency consumers running handler until ctx ends.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	q.ensureGroup(ctx)
	for i := range max(concurrency, 1) {
		consumer := fmt.Sprintf("%s-%d", q.consumer, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consume(ctx, consumer, handler)
		}()
	}
}

// Wait blocks until every consumer started by Start has returned.
func (q *RedisJobQueue) Wait() { q.wg.Wait() }

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			slog.Warn("create notification group", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	log := slog.With("stream", q.stream, "consumer", consumer)
	for ctx.Err() == nil {
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    q.batch,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				q.process(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.batch,
			Block:    q.block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil) || ctx.Err() != nil:
			continue
		case err != nil:
			log.Warn("read notification queue", "err", err)
			sleepCtx(ctx, q.retryDelay)
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) process(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values[fieldJob].(string)
	body, _ := msg.Values[fieldBody].(string)
	var n Notification
	if jobID == "" || json.Unmarshal([]byte(body), &n) != nil {
		slog.Warn("discarding malformed notification entry", "stream", q.stream, "msg_id", msg.ID)
		q.discard(ctx, msg.ID)
		return
	}

	job, err := q.updateJob(ctx, jobID, func(j *JobStatus) {
		j.Notification = n
		j.Status = StatusProcessing
		j.Attempts++
	})
	if err != nil {
		q.discard(ctx, msg.ID)
		return
	}

	herr := handler(ctx, job)
	switch {
	case herr == nil:
		_, _ = q.updateJob(ctx, jobID, func(j *JobStatus) { j.Status, j.ErrorMessage = StatusDone, "" })
		q.discard(ctx, msg.ID)
	case job.Attempts >= q.maxRetries:
		slog.Error("notification dropped", "job_id", jobID, "listing_id", n.ListingID, "attempts", job.Attempts, "err", herr)
		_, _ = q.updateJob(ctx, jobID, func(j *JobStatus) { j.Status, j.ErrorMessage = StatusFailed, herr.Error() })
		q.discard(ctx, msg.ID)
	default:
		_, _ = q.updateJob(ctx, jobID, func(j *JobStatus) { j.Status, j.ErrorMessage = StatusQueued, herr.Error() })
		if sleepCtx(ctx, q.backoff(job.Attempts)) {
			_ = q.requeueAndAck(ctx, msg.ID, jobID, body)
		}
	}
}

func (q *RedisJobQueue) backoff(attempt int) time.Duration {
	d := q.retryDelay
	for i := 1; i < attempt && d < q.retryCap; i++ {
		d *= 2
	}
	return min(d, q.retryCap)
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (q *RedisJobQueue) discard(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeueAndAck appends a fresh copy and retires msgID in one transaction, so
// a failure leaves the original pending for XAUTOCLAIM.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, body string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.entry(jobID, body))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) updateJob(ctx context.Context, jobID string, mutate func(*JobStatus)) (JobStatus, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !found {
		job = JobStatus{ID: jobID, CreatedAt: time.Now().UTC()}
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	return job, q.saveJob(ctx, job)
}

func (q *RedisJobQueue) saveJob(ctx context.Context, job JobStatus) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.client.Set(ctx, q.jobKey(job.ID), raw, q.jobTTL).Err()
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return q.stream + ":job:" + jobID
}
