// Package service implements the execution service on top of the sandbox.
package service

import (
	"context"
	"time"

	"runbox/internal/common/mq"
	appErr "runbox/pkg/errors"
)

const (
	// defaultAdmissionWait bounds how long a synchronous request may wait
	// for a sandbox slot before it is rejected.
	defaultAdmissionWait = 2 * time.Second

	// fdsPerSandbox estimates the descriptor cost of one running sandbox:
	// capture files, pipes, the helper binary and cgroup handles.
	fdsPerSandbox = 32

	minAdmissionCapacity = 8
	maxAdmissionCapacity = 1024
)

// Admission caps concurrent sandbox executions below the descriptor ceiling.
type Admission struct {
	limiter  *mq.TokenLimiter
	capacity int
	wait     time.Duration
}

// NewAdmission creates an admission gate. A non-positive capacity derives
// one from the process's open-file limit.
func NewAdmission(capacity int, wait time.Duration) *Admission {
	if capacity <= 0 {
		capacity = defaultCapacity()
	}
	if wait <= 0 {
		wait = defaultAdmissionWait
	}
	return &Admission{
		limiter:  mq.NewTokenLimiter(capacity),
		capacity: capacity,
		wait:     wait,
	}
}

// Capacity returns the configured slot count.
func (a *Admission) Capacity() int {
	return a.capacity
}

// Acquire takes a slot, waiting at most the admission window. A full gate
// rejects with a queue-full error rather than queueing indefinitely.
func (a *Admission) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, a.wait)
	defer cancel()
	if err := a.limiter.Acquire(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return appErr.QueueFullError(a.capacity)
	}
	return nil
}

// AcquireBlocking takes a slot without the bounded wait. The async consumer
// uses it so queued work waits for capacity instead of being rejected.
func (a *Admission) AcquireBlocking(ctx context.Context) error {
	return a.limiter.Acquire(ctx)
}

// Release returns a slot.
func (a *Admission) Release() {
	a.limiter.Release()
}

func clampCapacity(capacity int) int {
	if capacity < minAdmissionCapacity {
		return minAdmissionCapacity
	}
	if capacity > maxAdmissionCapacity {
		return maxAdmissionCapacity
	}
	return capacity
}
