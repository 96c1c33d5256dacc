// Package repository persists run status and publishes final status events.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"acarunner/internal/common/cache"
	"acarunner/internal/grading/model"
	appErr "acarunner/pkg/errors"
)

const (
	statusKeyPrefix  = "runner:status:"
	DefaultStatusTTL = 24 * time.Hour
)

// StatusStore is what the service needs from status persistence.
type StatusStore interface {
	Get(ctx context.Context, submissionID string) (model.RunStatus, error)
	Save(ctx context.Context, status model.RunStatus) error
}

// StatusRepository keeps the latest run status per submission in a cache.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns status by submission id.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (model.RunStatus, error) {
	if submissionID == "" {
		return model.RunStatus{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.RunStatus{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+submissionID)
	if err != nil {
		return model.RunStatus{}, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	if val == "" {
		return model.RunStatus{}, appErr.New(appErr.RunStatusNotFound).WithDetail("submission_id", submissionID)
	}
	var status model.RunStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return model.RunStatus{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return status, nil
}

// Save persists status.
func (r *StatusRepository) Save(ctx context.Context, status model.RunStatus) error {
	if status.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.SubmissionID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}
