package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"rentalhub/pkg/domain"
)

func testNotification() Notification {
	return NewNotification(
		domain.User{ID: 2, Username: "owner", Email: "owner@rentalhub.test"},
		domain.Listing{ID: 11, Title: "Sunny flat", OwnerID: 2},
		domain.EventApproved,
	)
}

func newTestQueue(t *testing.T, mutate func(*RedisQueueConfig)) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := RedisQueueConfig{
		Client:     client,
		Stream:     "test:notifications",
		Group:      "test-group",
		Consumer:   "consumer",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := NewRedisJobQueue(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, jobID, payload := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, payload); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values[fieldJob] != jobID || got.Values[fieldBody] != payload {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID, payload := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, payload); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestEnqueueRejectsIncompleteNotification(t *testing.T) {
	q := newTestQueue(t, nil)
	for name, mutate := range map[string]func(*Notification){
		"no email":      func(n *Notification) { n.OwnerEmail = " " },
		"no listing":    func(n *Notification) { n.ListingID = 0 },
		"not a verdict": func(n *Notification) { n.Decision = domain.EventCreated },
	} {
		n := testNotification()
		mutate(&n)
		if _, err := q.Enqueue(context.Background(), n); err == nil {
			t.Fatalf("%s: expected enqueue error", name)
		}
	}
	if n, _ := q.client.XLen(context.Background(), q.stream).Result(); n != 0 {
		t.Fatalf("rejected notifications reached the stream: %d", n)
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	q := newTestQueue(t, func(cfg *RedisQueueConfig) {
		cfg.RetryDelay = time.Second
		cfg.MaxRetryDelay = 5 * time.Second
	})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := q.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestGetJobUnknown(t *testing.T) {
	q := newTestQueue(t, nil)
	for _, id := range []string{"", "missing"} {
		if _, found, err := q.GetJob(context.Background(), id); err != nil || found {
			t.Fatalf("GetJob(%q) = %v, %v", id, found, err)
		}
	}
}

type recordingSender struct {
	mu    sync.Mutex
	fail  error
	calls []Notification
}

func (s *recordingSender) ModerationDecided(_ context.Context, owner domain.User, l domain.Listing, decision domain.EventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, NewNotification(owner, l, decision))
	return s.fail
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID, want string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, found, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if found && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q", jobID, want)
	return JobStatus{}
}

func TestNotifierDeliversThroughWorkers(t *testing.T) {
	q := newTestQueue(t, nil)
	sender := &recordingSender{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		q.Wait()
	}()

	n := testNotification()
	if err := (Notifier{Queue: q}).ModerationDecided(ctx, n.Owner(), n.Listing(), n.Decision); err != nil {
		t.Fatalf("enqueue through notifier: %v", err)
	}
	job, err := q.Enqueue(ctx, n)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 2, Deliver(sender))

	done := waitForStatus(t, q, job.ID, StatusDone)
	if done.Attempts != 1 || done.Notification != n {
		t.Fatalf("unexpected job: %+v", done)
	}
	deadline := time.Now().Add(3 * time.Second)
	for sender.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sender.count(); got != 2 {
		t.Fatalf("deliveries = %d, want 2", got)
	}
	sender.mu.Lock()
	first := sender.calls[0]
	sender.mu.Unlock()
	if first.OwnerEmail != "owner@rentalhub.test" || first.Title != "Sunny flat" || first.Decision != domain.EventApproved {
		t.Fatalf("delivered notification = %+v", first)
	}
}

func TestFailedDeliveryIsRetriedThenDropped(t *testing.T) {
	q := newTestQueue(t, func(cfg *RedisQueueConfig) { cfg.MaxRetries = 2 })
	sender := &recordingSender{fail: errors.New("smtp down")}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		q.Wait()
	}()

	job, err := q.Enqueue(ctx, testNotification())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 1, Deliver(sender))

	failed := waitForStatus(t, q, job.ID, StatusFailed)
	if failed.Attempts != 2 || failed.ErrorMessage != "smtp down" {
		t.Fatalf("unexpected failed job: %+v", failed)
	}
	if got := sender.count(); got != 2 {
		t.Fatalf("attempts delivered = %d, want 2", got)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		streamLen, err := q.client.XLen(context.Background(), q.stream).Result()
		if err != nil {
			t.Fatalf("xlen: %v", err)
		}
		if streamLen == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dropped job must leave the stream, len=%d", streamLen)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, string, string) {
	t.Helper()

	q := newTestQueue(t, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, testNotification())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	msg := streams[0].Messages[0]
	payload, _ := msg.Values[fieldBody].(string)
	return q, ctx, msg.ID, job.ID, payload
}
