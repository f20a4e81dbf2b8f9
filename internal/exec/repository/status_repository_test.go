package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"runbox/internal/common/cache"
	"runbox/internal/common/mq"
	"runbox/internal/exec/model"
	appErr "runbox/pkg/errors"
)

func newTestRepo(t *testing.T, ttl time.Duration) (*StatusRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return NewStatusRepository(redisCache, ttl), mr
}

func TestStatusRepositorySaveGet(t *testing.T) {
	repo, _ := newTestRepo(t, 30*time.Minute)
	ctx := context.Background()

	resp := model.SandboxErrorResponse("engine unavailable", "pod-1")
	status := model.ExecutionStatus{
		ExecutionID: "exec-1",
		Status:      model.StateFinished,
		SubmittedAt: 1700000000,
		StartedAt:   1700000001,
		FinishedAt:  1700000002,
		Result:      &resp,
	}
	if err := repo.Save(ctx, status); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StateFinished || got.SubmittedAt != 1700000000 {
		t.Fatalf("unexpected status: %+v", got)
	}
	if got.Result == nil || got.Result.Status != "SandboxError" {
		t.Fatalf("expected result preserved, got %+v", got.Result)
	}
	if got.Result.Message != "engine unavailable" {
		t.Fatalf("expected message preserved, got %q", got.Result.Message)
	}
}

func TestStatusRepositoryGetMissing(t *testing.T) {
	repo, _ := newTestRepo(t, time.Minute)

	_, err := repo.Get(context.Background(), "no-such-execution")
	if err == nil {
		t.Fatalf("expected error for missing execution")
	}
	if got := appErr.GetCode(err); got != appErr.ExecutionNotFound {
		t.Fatalf("expected ExecutionNotFound, got %v", got)
	}
}

func TestStatusRepositoryValidation(t *testing.T) {
	repo, _ := newTestRepo(t, time.Minute)
	ctx := context.Background()

	if err := repo.Save(ctx, model.ExecutionStatus{}); err == nil {
		t.Fatalf("expected error for empty execution id")
	}
	if _, err := repo.Get(ctx, ""); err == nil {
		t.Fatalf("expected error for empty execution id")
	}
}

func TestStatusRepositoryTTL(t *testing.T) {
	repo, mr := newTestRepo(t, 10*time.Minute)
	ctx := context.Background()

	status := model.ExecutionStatus{ExecutionID: "exec-ttl", Status: model.StatePending}
	if err := repo.Save(ctx, status); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ttl := mr.TTL("exec:status:exec-ttl"); ttl != 10*time.Minute {
		t.Fatalf("expected 10m ttl, got %v", ttl)
	}

	mr.FastForward(11 * time.Minute)
	if _, err := repo.Get(ctx, "exec-ttl"); appErr.GetCode(err) != appErr.ExecutionNotFound {
		t.Fatalf("expected expired status to be gone, got %v", err)
	}
}

type fakeQueue struct {
	mq.MessageQueue

	topics   []string
	messages []*mq.Message
	err      error
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.messages = append(f.messages, message)
	return nil
}

func TestTaskPublisher(t *testing.T) {
	q := &fakeQueue{}
	pub := NewMQTaskPublisher(q, "exec.tasks")

	task := model.ExecutionTask{
		ExecutionID: "exec-9",
		Request:     model.RunCodeRequest{Code: "print(1)", Language: "python"},
		SubmittedAt: 1700000000,
	}
	if err := pub.PublishTask(context.Background(), task); err != nil {
		t.Fatalf("publish task: %v", err)
	}
	if len(q.messages) != 1 || q.topics[0] != "exec.tasks" {
		t.Fatalf("expected one message on exec.tasks, got %v", q.topics)
	}
	if q.messages[0].ID != "exec-9" {
		t.Fatalf("expected message keyed by execution id, got %s", q.messages[0].ID)
	}
	var decoded model.ExecutionTask
	if err := json.Unmarshal(q.messages[0].Body, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Request.Code != "print(1)" {
		t.Fatalf("expected request preserved, got %+v", decoded.Request)
	}
}

func TestTaskPublisherErrors(t *testing.T) {
	ctx := context.Background()
	task := model.ExecutionTask{ExecutionID: "exec-1"}

	var nilPub *MQTaskPublisher
	if got := appErr.GetCode(nilPub.PublishTask(ctx, task)); got != appErr.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable for nil publisher, got %v", got)
	}

	noTopic := NewMQTaskPublisher(&fakeQueue{}, "")
	if got := appErr.GetCode(noTopic.PublishTask(ctx, task)); got != appErr.InvalidParams {
		t.Fatalf("expected InvalidParams for empty topic, got %v", got)
	}

	pub := NewMQTaskPublisher(&fakeQueue{}, "exec.tasks")
	if got := appErr.GetCode(pub.PublishTask(ctx, model.ExecutionTask{})); got != appErr.ValidationFailed {
		t.Fatalf("expected ValidationFailed for empty execution id, got %v", got)
	}

	broken := NewMQTaskPublisher(&fakeQueue{err: context.DeadlineExceeded}, "exec.tasks")
	if got := appErr.GetCode(broken.PublishTask(ctx, task)); got != appErr.SubmitFailed {
		t.Fatalf("expected SubmitFailed on broker error, got %v", got)
	}
}

func TestEventPublisher(t *testing.T) {
	q := &fakeQueue{}
	pub := NewMQEventPublisher(q, "exec.status.final")

	event := model.ExecutionEvent{
		ExecutionID: "exec-5",
		Status:      model.StateFinished,
		RunStatus:   "Success",
		FinishedAt:  1700000005,
	}
	if err := pub.PublishFinal(context.Background(), event); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if len(q.messages) != 1 || q.topics[0] != "exec.status.final" {
		t.Fatalf("expected one message on exec.status.final, got %v", q.topics)
	}
	var decoded model.ExecutionEvent
	if err := json.Unmarshal(q.messages[0].Body, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.RunStatus != "Success" {
		t.Fatalf("expected run status preserved, got %+v", decoded)
	}
}
