package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"runbox/internal/common/cache"
	"runbox/internal/exec/model"
	"runbox/internal/exec/repository"
	"runbox/internal/exec/sandbox"
	"runbox/internal/exec/sandbox/profile"
	"runbox/internal/exec/sandbox/result"
	"runbox/internal/exec/service"
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
}

func (f *fakeTaskPub) PublishTask(ctx context.Context, task model.ExecutionTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newMiniredisRepo(t *testing.T) *repository.StatusRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return repository.NewStatusRepository(redisCache, time.Hour)
}

func newTestRouter(t *testing.T, worker sandbox.Service, mutate func(*service.Config)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := service.Config{
		Worker:    worker,
		Languages: profile.NewRegistry(),
		Admission: service.NewAdmission(2, time.Second),
		PodName:   "pod-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}

	h := NewExecController(svc, "pod-test")
	router := gin.New()
	router.GET("/healthz", h.Healthz)
	router.GET("/readyz", h.Readyz)
	api := router.Group("/faas/sandbox")
	api.POST("/", h.RunCode)
	api.POST("/run_code", h.RunCode)
	api.POST("/submit", h.Submit)
	api.GET("/executions/:id", h.GetExecution)
	api.GET("/languages", h.Languages)
	return router
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getPath(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRunCodeEndpoint(t *testing.T) {
	worker := &fakeWorker{outcome: result.Outcome{
		Status: result.StatusSuccess,
		Run:    &result.PhaseResult{Status: result.PhaseFinished, WallTimeMs: 40, Stdout: "4\n"},
	}}
	router := newTestRouter(t, worker, nil)

	w := postJSON(router, "/faas/sandbox/run_code", `{"code":"print(2+2)"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp model.RunCodeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "Success" {
		t.Fatalf("expected status Success, got %s", resp.Status)
	}
	if resp.RunResult == nil || resp.RunResult.Stdout != "4\n" {
		t.Fatalf("expected run stdout, got %+v", resp.RunResult)
	}
	if resp.ExecutorPodName != "pod-test" {
		t.Fatalf("expected pod name, got %s", resp.ExecutorPodName)
	}
	if !strings.Contains(w.Body.String(), `"files":{}`) {
		t.Fatalf("expected empty files object in %s", w.Body.String())
	}
}

func TestRunCodeEndpointRootAlias(t *testing.T) {
	worker := &fakeWorker{outcome: result.Outcome{Status: result.StatusSuccess}}
	router := newTestRouter(t, worker, nil)

	w := postJSON(router, "/faas/sandbox/", `{"code":"print(1)"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on the root alias, got %d", w.Code)
	}
	if len(worker.tasks) != 1 {
		t.Fatalf("expected worker invoked once, got %d", len(worker.tasks))
	}
}

func TestRunCodeEndpointBadRequest(t *testing.T) {
	router := newTestRouter(t, &fakeWorker{}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"code":`},
		{"missing code", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(router, "/faas/sandbox/run_code", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var env envelope
			if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if env.Code != int(appErr.InvalidParams) {
				t.Fatalf("expected code %d, got %d", appErr.InvalidParams, env.Code)
			}
		})
	}
}

func TestRunCodeEndpointUnknownLanguage(t *testing.T) {
	router := newTestRouter(t, &fakeWorker{}, nil)

	w := postJSON(router, "/faas/sandbox/run_code", `{"code":"x","language":"cobol"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != int(appErr.LanguageNotSupported) {
		t.Fatalf("expected code %d, got %d", appErr.LanguageNotSupported, env.Code)
	}
}

func TestRunCodeEndpointSandboxError(t *testing.T) {
	worker := &fakeWorker{err: appErr.New(appErr.SandboxFailure).WithMessage("workspace creation failed")}
	router := newTestRouter(t, worker, nil)

	w := postJSON(router, "/faas/sandbox/run_code", `{"code":"print(1)"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	// Infrastructure failures keep the RunCodeResponse shape, not the envelope.
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "SandboxError" {
		t.Fatalf("expected SandboxError body, got %v", body)
	}
	if _, hasCode := body["code"]; hasCode {
		t.Fatalf("expected no envelope code field, got %v", body)
	}
	if body["executor_pod_name"] != "pod-test" {
		t.Fatalf("expected pod name in body, got %v", body)
	}
	msg, _ := body["message"].(string)
	if !strings.Contains(msg, "workspace creation failed") {
		t.Fatalf("expected failure message, got %q", msg)
	}
}

func TestRunCodeEndpointQueueFull(t *testing.T) {
	gate := service.NewAdmission(1, 50*time.Millisecond)
	router := newTestRouter(t, &fakeWorker{outcome: result.Outcome{Status: result.StatusSuccess}}, func(cfg *service.Config) {
		cfg.Admission = gate
	})

	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("occupy slot: %v", err)
	}
	defer gate.Release()

	w := postJSON(router, "/faas/sandbox/run_code", `{"code":"print(1)"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != int(appErr.ExecQueueFull) {
		t.Fatalf("expected code %d, got %d", appErr.ExecQueueFull, env.Code)
	}
}

func TestSubmitEndpoint(t *testing.T) {
	repo := newMiniredisRepo(t)
	taskPub := &fakeTaskPub{}
	router := newTestRouter(t, &fakeWorker{}, func(cfg *service.Config) {
		cfg.StatusRepo = repo
		cfg.TaskPub = taskPub
	})

	w := postJSON(router, "/faas/sandbox/submit", `{"code":"print(1)"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp model.SubmitCodeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ExecutionID == "" || resp.Status != "Pending" {
		t.Fatalf("unexpected submit response: %+v", resp)
	}
	if len(taskPub.tasks) != 1 {
		t.Fatalf("expected 1 published task, got %d", len(taskPub.tasks))
	}
}

func TestSubmitEndpointWithoutPipeline(t *testing.T) {
	router := newTestRouter(t, &fakeWorker{}, nil)

	w := postJSON(router, "/faas/sandbox/submit", `{"code":"print(1)"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != int(appErr.ServiceUnavailable) {
		t.Fatalf("expected code %d, got %d", appErr.ServiceUnavailable, env.Code)
	}
}

func TestGetExecutionEndpoint(t *testing.T) {
	repo := newMiniredisRepo(t)
	router := newTestRouter(t, &fakeWorker{}, func(cfg *service.Config) {
		cfg.StatusRepo = repo
	})

	seeded := model.ExecutionStatus{
		ExecutionID: "exec-1",
		Status:      model.StateRunning,
		SubmittedAt: 1700000000,
		StartedAt:   1700000001,
	}
	if err := repo.Save(context.Background(), seeded); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	w := getPath(router, "/faas/sandbox/executions/exec-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status model.ExecutionStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != model.StateRunning || status.ExecutionID != "exec-1" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGetExecutionEndpointNotFound(t *testing.T) {
	router := newTestRouter(t, &fakeWorker{}, func(cfg *service.Config) {
		cfg.StatusRepo = newMiniredisRepo(t)
	})

	w := getPath(router, "/faas/sandbox/executions/no-such-id")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != int(appErr.ExecutionNotFound) {
		t.Fatalf("expected code %d, got %d", appErr.ExecutionNotFound, env.Code)
	}
}

func TestLanguagesEndpoint(t *testing.T) {
	router := newTestRouter(t, &fakeWorker{}, nil)

	w := getPath(router, "/faas/sandbox/languages")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Languages []model.LanguageInfo `json:"languages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Languages) != 2 {
		t.Fatalf("expected 2 languages, got %d", len(body.Languages))
	}
	if body.Languages[0].ID != "cpp" || body.Languages[1].ID != "python" {
		t.Fatalf("expected sorted language ids, got %+v", body.Languages)
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t, &fakeWorker{}, nil)

	w := getPath(router, "/healthz")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("unexpected healthz: %d %s", w.Code, w.Body.String())
	}

	w = getPath(router, "/readyz")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ready"`) {
		t.Fatalf("unexpected readyz: %d %s", w.Code, w.Body.String())
	}
}
