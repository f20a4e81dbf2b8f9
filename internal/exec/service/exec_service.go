package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runbox/internal/common/cache"
	"runbox/internal/common/mq"
	"runbox/internal/exec/model"
	"runbox/internal/exec/repository"
	"runbox/internal/exec/sandbox"
	"runbox/internal/exec/sandbox/profile"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
)

// Service handles code execution requests, synchronous and queued.
type Service struct {
	worker     sandbox.Service
	languages  *profile.Registry
	statusRepo *repository.StatusRepository
	taskPub    repository.TaskPublisher
	eventPub   repository.EventPublisher
	admission  *Admission
	cache      cache.Cache
	queue      mq.MessageQueue
	podName    string

	maxCodeBytes  int
	maxStdinBytes int
	maxTimeout    float64
	statusTimeout time.Duration
}

// Config holds service dependencies and settings.
type Config struct {
	Worker     sandbox.Service
	Languages  *profile.Registry
	StatusRepo *repository.StatusRepository
	TaskPub    repository.TaskPublisher
	EventPub   repository.EventPublisher
	Admission  *Admission

	// Cache and Queue are only pinged for readiness; both are optional.
	Cache cache.Cache
	Queue mq.MessageQueue

	PodName       string
	MaxCodeBytes  int
	MaxStdinBytes int
	// MaxTimeoutSeconds caps both request budgets; zero means uncapped.
	MaxTimeoutSeconds float64
	StatusTimeout     time.Duration
}

// NewService creates a new execution service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Worker == nil {
		return nil, fmt.Errorf("sandbox worker is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.Admission == nil {
		return nil, fmt.Errorf("admission gate is required")
	}
	return &Service{
		worker:        cfg.Worker,
		languages:     cfg.Languages,
		statusRepo:    cfg.StatusRepo,
		taskPub:       cfg.TaskPub,
		eventPub:      cfg.EventPub,
		admission:     cfg.Admission,
		cache:         cfg.Cache,
		queue:         cfg.Queue,
		podName:       cfg.PodName,
		maxCodeBytes:  cfg.MaxCodeBytes,
		maxStdinBytes: cfg.MaxStdinBytes,
		maxTimeout:    cfg.MaxTimeoutSeconds,
		statusTimeout: cfg.StatusTimeout,
	}, nil
}

// RunCode executes one request synchronously, bounded by the admission gate.
func (s *Service) RunCode(ctx context.Context, req model.RunCodeRequest) (model.RunCodeResponse, error) {
	req.ApplyDefaults()
	if err := s.validateRequest(&req); err != nil {
		return model.RunCodeResponse{}, err
	}

	if err := s.admission.Acquire(ctx); err != nil {
		return model.RunCodeResponse{}, err
	}
	defer s.admission.Release()

	outcome, err := s.worker.Execute(ctx, taskFromRequest(uuid.NewString(), req, time.Now().Unix()))
	if err != nil {
		return model.RunCodeResponse{}, err
	}
	return model.NewRunCodeResponse(outcome, s.podName), nil
}

// SubmitCode validates a request and enqueues it for asynchronous execution.
func (s *Service) SubmitCode(ctx context.Context, req model.RunCodeRequest) (model.SubmitCodeResponse, error) {
	req.ApplyDefaults()
	if err := s.validateRequest(&req); err != nil {
		return model.SubmitCodeResponse{}, err
	}
	if s.statusRepo == nil || s.taskPub == nil {
		return model.SubmitCodeResponse{}, appErr.New(appErr.ServiceUnavailable).WithMessage("async pipeline is not configured")
	}

	executionID := uuid.NewString()
	now := time.Now().Unix()
	pending := model.ExecutionStatus{
		ExecutionID: executionID,
		Status:      model.StatePending,
		SubmittedAt: now,
	}
	if err := s.saveStatus(ctx, pending); err != nil {
		return model.SubmitCodeResponse{}, err
	}
	task := model.ExecutionTask{
		ExecutionID: executionID,
		Request:     req,
		SubmittedAt: now,
	}
	if err := s.taskPub.PublishTask(ctx, task); err != nil {
		return model.SubmitCodeResponse{}, err
	}
	return model.SubmitCodeResponse{
		ExecutionID: executionID,
		Status:      string(model.StatePending),
	}, nil
}

// GetExecution returns the stored status of one execution.
func (s *Service) GetExecution(ctx context.Context, executionID string) (model.ExecutionStatus, error) {
	if s.statusRepo == nil {
		return model.ExecutionStatus{}, appErr.New(appErr.ServiceUnavailable).WithMessage("async pipeline is not configured")
	}
	return s.statusRepo.Get(ctx, executionID)
}

// Languages lists the configured language profiles.
func (s *Service) Languages() []model.LanguageInfo {
	specs := s.languages.List()
	infos := make([]model.LanguageInfo, 0, len(specs))
	for _, lang := range specs {
		infos = append(infos, model.LanguageInfo{
			ID:             lang.ID,
			Name:           lang.Name,
			Version:        lang.Version,
			CompileEnabled: lang.CompileEnabled,
			SourceFile:     lang.SourceFile,
			MemoryMB:       lang.Limits.MemoryMB,
			PIDLimit:       lang.Limits.PIDs,
			AllowNetwork:   lang.AllowNetwork,
		})
	}
	return infos
}

// Readiness verifies the service can accept work.
func (s *Service) Readiness(ctx context.Context) error {
	if s.worker == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("sandbox worker is not initialized")
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return appErr.Wrapf(err, appErr.ServiceUnavailable, "cache ping failed")
		}
	}
	if s.queue != nil {
		if err := s.queue.Ping(ctx); err != nil {
			return appErr.Wrapf(err, appErr.ServiceUnavailable, "queue ping failed")
		}
	}
	return nil
}

// HandleTask processes one queued execution task.
func (s *Service) HandleTask(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var task model.ExecutionTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		logger.Warn(ctx, "drop malformed execution task", zap.Error(err))
		return nil
	}
	if task.ExecutionID == "" || task.Request.Code == "" {
		logger.Warn(ctx, "drop invalid execution task", zap.String("execution_id", task.ExecutionID))
		return nil
	}

	if err := s.admission.AcquireBlocking(ctx); err != nil {
		return err
	}
	defer s.admission.Release()

	running := model.ExecutionStatus{
		ExecutionID: task.ExecutionID,
		Status:      model.StateRunning,
		SubmittedAt: task.SubmittedAt,
		StartedAt:   time.Now().Unix(),
	}
	if err := s.saveStatus(ctx, running); err != nil {
		return err
	}

	req := task.Request
	req.ApplyDefaults()
	outcome, err := s.worker.Execute(ctx, taskFromRequest(task.ExecutionID, req, task.SubmittedAt))
	if err != nil {
		return s.handleTaskFailure(ctx, msg, running, err)
	}

	final := running
	final.Status = model.StateFinished
	final.FinishedAt = time.Now().Unix()
	resp := model.NewRunCodeResponse(outcome, s.podName)
	final.Result = &resp
	if err := s.saveStatus(ctx, final); err != nil {
		return err
	}
	s.publishEvent(ctx, final)
	return nil
}

// handleTaskFailure stores a terminal sandbox error once retries are spent.
// Requests that can never succeed are stored immediately and not retried.
func (s *Service) handleTaskFailure(ctx context.Context, msg *mq.Message, status model.ExecutionStatus, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := appErr.GetCode(err)
	terminal := code == appErr.InvalidParams || code == appErr.LanguageNotSupported || code == appErr.InvalidFileName
	if !terminal && msg.ShouldRetry() {
		logger.Warn(ctx, "execution failed, will retry",
			zap.String("execution_id", status.ExecutionID),
			zap.Int("retry_count", msg.RetryCount),
			zap.Error(err))
		return err
	}

	final := status
	final.Status = model.StateFinished
	final.FinishedAt = time.Now().Unix()
	resp := model.SandboxErrorResponse(err.Error(), s.podName)
	final.Result = &resp
	if saveErr := s.saveStatus(ctx, final); saveErr != nil {
		logger.Error(ctx, "store failure result failed",
			zap.String("execution_id", status.ExecutionID), zap.Error(saveErr))
	}
	s.publishEvent(ctx, final)
	if terminal {
		return nil
	}
	return err
}

func (s *Service) publishEvent(ctx context.Context, status model.ExecutionStatus) {
	if s.eventPub == nil {
		return
	}
	event := model.ExecutionEvent{
		ExecutionID: status.ExecutionID,
		Status:      status.Status,
		FinishedAt:  status.FinishedAt,
	}
	if status.Result != nil {
		event.RunStatus = status.Result.Status
		event.TimedOut = status.Result.TimedOut
	}
	if err := s.eventPub.PublishFinal(ctx, event); err != nil {
		logger.Warn(ctx, "publish execution event failed",
			zap.String("execution_id", status.ExecutionID), zap.Error(err))
	}
}

func (s *Service) saveStatus(ctx context.Context, status model.ExecutionStatus) error {
	if s.statusRepo == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status store is not configured")
	}
	ctxStatus := ctx
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}
	return s.statusRepo.Save(ctxStatus, status)
}

func (s *Service) validateRequest(req *model.RunCodeRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return appErr.ValidationError("code", "required")
	}
	if s.maxCodeBytes > 0 && len(req.Code) > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithMessage("source code too large")
	}
	if s.maxStdinBytes > 0 && len(req.Stdin) > s.maxStdinBytes {
		return appErr.New(appErr.StdinTooLarge).WithMessage("stdin too large")
	}
	if _, err := s.languages.Get(req.Language); err != nil {
		return err
	}
	if req.CompileTimeout <= 0 {
		return appErr.ValidationError("compile_timeout", "must be positive")
	}
	if req.RunTimeout <= 0 {
		return appErr.ValidationError("run_timeout", "must be positive")
	}
	if s.maxTimeout > 0 {
		if req.CompileTimeout > s.maxTimeout {
			return appErr.ValidationError("compile_timeout", "exceeds maximum")
		}
		if req.RunTimeout > s.maxTimeout {
			return appErr.ValidationError("run_timeout", "exceeds maximum")
		}
	}
	for name, content := range req.Files {
		if err := validateRelName(name); err != nil {
			return err
		}
		if _, err := base64.StdEncoding.DecodeString(content); err != nil {
			return appErr.Wrapf(err, appErr.InvalidFileName, "file %s is not valid base64", name)
		}
	}
	for _, name := range req.FetchFiles {
		if err := validateRelName(name); err != nil {
			return err
		}
	}
	return nil
}

func validateRelName(name string) error {
	if name == "" {
		return appErr.ValidationError("files", "empty file name")
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return appErr.Newf(appErr.InvalidFileName, "file name escapes the workspace: %s", name)
	}
	return nil
}

func taskFromRequest(executionID string, req model.RunCodeRequest, receivedAt int64) sandbox.Task {
	return sandbox.Task{
		ExecutionID:    executionID,
		LanguageID:     req.Language,
		Code:           req.Code,
		Stdin:          req.Stdin,
		CompileTimeout: req.CompileTimeout,
		RunTimeout:     req.RunTimeout,
		Files:          req.Files,
		FetchFiles:     req.FetchFiles,
		ReceivedAt:     receivedAt,
	}
}
