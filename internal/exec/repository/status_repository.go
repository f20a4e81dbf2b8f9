// Package repository persists execution state and publishes pipeline messages.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/exec/model"
	appErr "runbox/pkg/errors"
)

const statusKeyPrefix = "exec:status:"

// StatusRepository stores execution status in the cache with a TTL.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns status by execution id.
func (r *StatusRepository) Get(ctx context.Context, executionID string) (model.ExecutionStatus, error) {
	if executionID == "" {
		return model.ExecutionStatus{}, appErr.ValidationError("execution_id", "required")
	}
	if r.cache == nil {
		return model.ExecutionStatus{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+executionID)
	if err != nil || val == "" {
		return model.ExecutionStatus{}, appErr.New(appErr.ExecutionNotFound).WithMessage("execution not found")
	}
	var status model.ExecutionStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return model.ExecutionStatus{}, appErr.Wrapf(err, appErr.CacheError, "decode execution status failed")
	}
	return status, nil
}

// Save persists status.
func (r *StatusRepository) Save(ctx context.Context, status model.ExecutionStatus) error {
	if status.ExecutionID == "" {
		return appErr.ValidationError("execution_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal execution status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.ExecutionID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store execution status failed")
	}
	return nil
}
