package service

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
	"runbox/internal/exec/repository"
	"runbox/internal/exec/sandbox"
	"runbox/internal/exec/sandbox/profile"
	"runbox/internal/exec/sandbox/result"
	appErr "runbox/pkg/errors"
)

type fakeWorker struct {
	outcome result.Outcome
	err     error
	tasks   []sandbox.Task
}

func (f *fakeWorker) Execute(ctx context.Context, task sandbox.Task) (result.Outcome, error) {
	f.tasks = append(f.tasks, task)
	if f.err != nil {
		return result.Outcome{ExecutionID: task.ExecutionID, Status: result.StatusSandboxError}, f.err
	}
	out := f.outcome
	out.ExecutionID = task.ExecutionID
	return out, nil
}

type fakeTaskPub struct {
	tasks []model.ExecutionTask
	err   error
}

func (f *fakeTaskPub) PublishTask(ctx context.Context, task model.ExecutionTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeEventPub struct {
	events []model.ExecutionEvent
}

func (f *fakeEventPub) PublishFinal(ctx context.Context, event model.ExecutionEvent) error {
	f.events = append(f.events, event)
	return nil
}

func successOutcome() result.Outcome {
	return result.Outcome{
		Status: result.StatusSuccess,
		Run:    &result.PhaseResult{Status: result.PhaseFinished, Stdout: "ok\n"},
	}
}

func newMiniredisCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return redisCache
}

func newTestService(t *testing.T, worker sandbox.Service, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Worker:    worker,
		Languages: profile.NewRegistry(),
		Admission: NewAdmission(2, time.Second),
		PodName:   "pod-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	return svc
}

func TestRunCodeDefaults(t *testing.T) {
	worker := &fakeWorker{outcome: successOutcome()}
	svc := newTestService(t, worker, nil)

	resp, err := svc.RunCode(context.Background(), model.RunCodeRequest{Code: "print(2+2)"})
	if err != nil {
		t.Fatalf("run code: %v", err)
	}
	if resp.Status != "Success" {
		t.Fatalf("expected status Success, got %s", resp.Status)
	}
	if resp.ExecutorPodName != "pod-test" {
		t.Fatalf("expected pod name propagated, got %s", resp.ExecutorPodName)
	}

	if len(worker.tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(worker.tasks))
	}
	task := worker.tasks[0]
	if task.ExecutionID == "" {
		t.Fatalf("expected generated execution id")
	}
	if task.LanguageID != "python" {
		t.Fatalf("expected default language python, got %s", task.LanguageID)
	}
	if task.CompileTimeout != 1.0 || task.RunTimeout != 3.0 {
		t.Fatalf("expected default timeouts, got %v/%v", task.CompileTimeout, task.RunTimeout)
	}
}

func TestRunCodeValidation(t *testing.T) {
	cases := []struct {
		name string
		req  model.RunCodeRequest
		code appErr.ErrorCode
	}{
		{"empty code", model.RunCodeRequest{Code: "   "}, appErr.ValidationFailed},
		{"code too large", model.RunCodeRequest{Code: "0123456789AB"}, appErr.CodeTooLarge},
		{"stdin too large", model.RunCodeRequest{Code: "x", Stdin: "0123456789AB"}, appErr.StdinTooLarge},
		{"unknown language", model.RunCodeRequest{Code: "x", Language: "cobol"}, appErr.LanguageNotSupported},
		{"run timeout above cap", model.RunCodeRequest{Code: "x", RunTimeout: 11}, appErr.ValidationFailed},
		{"compile timeout above cap", model.RunCodeRequest{Code: "x", CompileTimeout: 11}, appErr.ValidationFailed},
		{"file escapes workspace", model.RunCodeRequest{Code: "x", Files: map[string]string{"../evil": "aGk="}}, appErr.InvalidFileName},
		{"file not base64", model.RunCodeRequest{Code: "x", Files: map[string]string{"a.txt": "%%%"}}, appErr.InvalidFileName},
		{"fetch file absolute", model.RunCodeRequest{Code: "x", FetchFiles: []string{"/etc/passwd"}}, appErr.InvalidFileName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			worker := &fakeWorker{outcome: successOutcome()}
			svc := newTestService(t, worker, func(cfg *Config) {
				cfg.MaxCodeBytes = 10
				cfg.MaxStdinBytes = 10
				cfg.MaxTimeoutSeconds = 10
			})
			_, err := svc.RunCode(context.Background(), tc.req)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if got := appErr.GetCode(err); got != tc.code {
				t.Fatalf("expected %v, got %v", tc.code, got)
			}
			if len(worker.tasks) != 0 {
				t.Fatalf("expected worker not called")
			}
		})
	}
}

func TestRunCodeQueueFull(t *testing.T) {
	gate := NewAdmission(1, 50*time.Millisecond)
	svc := newTestService(t, &fakeWorker{outcome: successOutcome()}, func(cfg *Config) {
		cfg.Admission = gate
	})

	// Occupy the only slot so the request times out waiting.
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire slot: %v", err)
	}
	defer gate.Release()

	_, err := svc.RunCode(context.Background(), model.RunCodeRequest{Code: "print(1)"})
	if err == nil {
		t.Fatalf("expected queue full error")
	}
	if got := appErr.GetCode(err); got != appErr.ExecQueueFull {
		t.Fatalf("expected ExecQueueFull, got %v", got)
	}
}

func TestSubmitCodeWithoutPipeline(t *testing.T) {
	svc := newTestService(t, &fakeWorker{outcome: successOutcome()}, nil)

	_, err := svc.SubmitCode(context.Background(), model.RunCodeRequest{Code: "print(1)"})
	if err == nil {
		t.Fatalf("expected error without async pipeline")
	}
	if got := appErr.GetCode(err); got != appErr.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %v", got)
	}
}

func TestSubmitCode(t *testing.T) {
	repo := repository.NewStatusRepository(newMiniredisCache(t), time.Hour)
	taskPub := &fakeTaskPub{}
	svc := newTestService(t, &fakeWorker{outcome: successOutcome()}, func(cfg *Config) {
		cfg.StatusRepo = repo
		cfg.TaskPub = taskPub
	})

	resp, err := svc.SubmitCode(context.Background(), model.RunCodeRequest{Code: "print(1)"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.ExecutionID == "" || resp.Status != "Pending" {
		t.Fatalf("unexpected submit response: %+v", resp)
	}

	status, err := svc.GetExecution(context.Background(), resp.ExecutionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if status.Status != model.StatePending || status.SubmittedAt == 0 {
		t.Fatalf("expected pending status, got %+v", status)
	}

	if len(taskPub.tasks) != 1 {
		t.Fatalf("expected 1 published task, got %d", len(taskPub.tasks))
	}
	if taskPub.tasks[0].ExecutionID != resp.ExecutionID {
		t.Fatalf("expected task keyed by execution id")
	}
	if taskPub.tasks[0].Request.Language != "python" {
		t.Fatalf("expected defaults applied before enqueue, got %+v", taskPub.tasks[0].Request)
	}
}

func TestGetExecutionWithoutPipeline(t *testing.T) {
	svc := newTestService(t, &fakeWorker{}, nil)
	_, err := svc.GetExecution(context.Background(), "exec-1")
	if got := appErr.GetCode(err); got != appErr.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %v", got)
	}
}

func TestLanguages(t *testing.T) {
	svc := newTestService(t, &fakeWorker{}, nil)

	langs := svc.Languages()
	if len(langs) != 2 {
		t.Fatalf("expected 2 built-in languages, got %d", len(langs))
	}
	var python *model.LanguageInfo
	for i := range langs {
		if langs[i].ID == "python" {
			python = &langs[i]
		}
	}
	if python == nil {
		t.Fatalf("expected python in %v", langs)
	}
	if python.MemoryMB != 512 || python.CompileEnabled {
		t.Fatalf("unexpected python info: %+v", python)
	}
}

func taskMessage(t *testing.T, task model.ExecutionTask) *mq.Message {
	t.Helper()
	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	msg := mq.NewMessage(payload)
	msg.ID = task.ExecutionID
	return msg
}

func TestHandleTaskSuccess(t *testing.T) {
	repo := repository.NewStatusRepository(newMiniredisCache(t), time.Hour)
	eventPub := &fakeEventPub{}
	worker := &fakeWorker{outcome: successOutcome()}
	svc := newTestService(t, worker, func(cfg *Config) {
		cfg.StatusRepo = repo
		cfg.EventPub = eventPub
	})

	msg := taskMessage(t, model.ExecutionTask{
		ExecutionID: "exec-async",
		Request:     model.RunCodeRequest{Code: "print(1)"},
		SubmittedAt: 1700000000,
	})
	if err := svc.HandleTask(context.Background(), msg); err != nil {
		t.Fatalf("handle task: %v", err)
	}

	status, err := repo.Get(context.Background(), "exec-async")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != model.StateFinished {
		t.Fatalf("expected finished, got %s", status.Status)
	}
	if status.Result == nil || status.Result.Status != "Success" {
		t.Fatalf("expected success result, got %+v", status.Result)
	}
	if status.StartedAt == 0 || status.FinishedAt == 0 {
		t.Fatalf("expected timestamps set, got %+v", status)
	}

	if len(eventPub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(eventPub.events))
	}
	if eventPub.events[0].RunStatus != "Success" {
		t.Fatalf("unexpected event: %+v", eventPub.events[0])
	}

	if len(worker.tasks) != 1 || worker.tasks[0].LanguageID != "python" {
		t.Fatalf("expected defaults applied to queued task, got %+v", worker.tasks)
	}
}

func TestHandleTaskMalformed(t *testing.T) {
	worker := &fakeWorker{outcome: successOutcome()}
	svc := newTestService(t, worker, func(cfg *Config) {
		cfg.StatusRepo = repository.NewStatusRepository(newMiniredisCache(t), time.Hour)
	})

	msg := mq.NewMessage([]byte("{not json"))
	if err := svc.HandleTask(context.Background(), msg); err != nil {
		t.Fatalf("expected malformed message to be dropped, got %v", err)
	}

	empty := taskMessage(t, model.ExecutionTask{ExecutionID: "exec-x"})
	if err := svc.HandleTask(context.Background(), empty); err != nil {
		t.Fatalf("expected empty task to be dropped, got %v", err)
	}

	if len(worker.tasks) != 0 {
		t.Fatalf("expected worker not called")
	}
}

func TestHandleTaskNilMessage(t *testing.T) {
	svc := newTestService(t, &fakeWorker{}, nil)
	err := svc.HandleTask(context.Background(), nil)
	if got := appErr.GetCode(err); got != appErr.InvalidParams {
		t.Fatalf("expected InvalidParams, got %v", got)
	}
}

func TestHandleTaskRetryable(t *testing.T) {
	repo := repository.NewStatusRepository(newMiniredisCache(t), time.Hour)
	eventPub := &fakeEventPub{}
	worker := &fakeWorker{err: appErr.New(appErr.SandboxFailure)}
	svc := newTestService(t, worker, func(cfg *Config) {
		cfg.StatusRepo = repo
		cfg.EventPub = eventPub
	})

	msg := taskMessage(t, model.ExecutionTask{
		ExecutionID: "exec-retry",
		Request:     model.RunCodeRequest{Code: "print(1)"},
	})
	err := svc.HandleTask(context.Background(), msg)
	if err == nil {
		t.Fatalf("expected retryable failure to surface")
	}
	if got := appErr.GetCode(err); got != appErr.SandboxFailure {
		t.Fatalf("expected SandboxFailure, got %v", got)
	}

	// Still running in the store; the consumer redelivers the message.
	status, err := repo.Get(context.Background(), "exec-retry")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != model.StateRunning {
		t.Fatalf("expected running while retries remain, got %s", status.Status)
	}
	if len(eventPub.events) != 0 {
		t.Fatalf("expected no event while retries remain")
	}
}

func TestHandleTaskRetriesSpent(t *testing.T) {
	repo := repository.NewStatusRepository(newMiniredisCache(t), time.Hour)
	eventPub := &fakeEventPub{}
	svc := newTestService(t, &fakeWorker{err: appErr.New(appErr.SandboxFailure)}, func(cfg *Config) {
		cfg.StatusRepo = repo
		cfg.EventPub = eventPub
	})

	msg := taskMessage(t, model.ExecutionTask{
		ExecutionID: "exec-spent",
		Request:     model.RunCodeRequest{Code: "print(1)"},
	})
	msg.RetryCount = msg.MaxRetries

	if err := svc.HandleTask(context.Background(), msg); err == nil {
		t.Fatalf("expected error so the consumer dead-letters the message")
	}

	status, err := repo.Get(context.Background(), "exec-spent")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != model.StateFinished {
		t.Fatalf("expected finished after retries spent, got %s", status.Status)
	}
	if status.Result == nil || status.Result.Status != "SandboxError" {
		t.Fatalf("expected sandbox error result, got %+v", status.Result)
	}
	if len(eventPub.events) != 1 {
		t.Fatalf("expected terminal event, got %d", len(eventPub.events))
	}
}

func TestHandleTaskTerminalError(t *testing.T) {
	repo := repository.NewStatusRepository(newMiniredisCache(t), time.Hour)
	worker := &fakeWorker{err: appErr.Newf(appErr.LanguageNotSupported, "language not supported: cobol")}
	svc := newTestService(t, worker, func(cfg *Config) {
		cfg.StatusRepo = repo
	})

	msg := taskMessage(t, model.ExecutionTask{
		ExecutionID: "exec-term",
		Request:     model.RunCodeRequest{Code: "x", Language: "cobol"},
	})
	if err := svc.HandleTask(context.Background(), msg); err != nil {
		t.Fatalf("expected terminal failure to be swallowed, got %v", err)
	}

	status, err := repo.Get(context.Background(), "exec-term")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != model.StateFinished {
		t.Fatalf("expected finished, got %s", status.Status)
	}
	if status.Result == nil || status.Result.Status != "SandboxError" {
		t.Fatalf("expected sandbox error result, got %+v", status.Result)
	}
}

func TestReadiness(t *testing.T) {
	redisCache := newMiniredisCache(t)
	svc := newTestService(t, &fakeWorker{}, func(cfg *Config) {
		cfg.Cache = redisCache
	})
	if err := svc.Readiness(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}

	_ = redisCache.Close()
	err := svc.Readiness(context.Background())
	if err == nil {
		t.Fatalf("expected readiness failure after cache close")
	}
	if got := appErr.GetCode(err); got != appErr.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %v", got)
	}
}

func TestAdmissionCapacity(t *testing.T) {
	gate := NewAdmission(3, time.Second)
	if gate.Capacity() != 3 {
		t.Fatalf("expected capacity 3, got %d", gate.Capacity())
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := gate.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	gate.Release()
	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("expected released slot to be reusable, got %v", err)
	}
}

func TestAdmissionBlockingCancel(t *testing.T) {
	gate := NewAdmission(1, time.Second)
	if err := gate.AcquireBlocking(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gate.AcquireBlocking(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatalf("blocking acquire did not observe cancellation")
	}
}
