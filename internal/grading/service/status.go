package service

import (
	"context"
	"time"

	"acarunner/internal/grading/model"
	"acarunner/internal/grading/registry"
	appErr "acarunner/pkg/errors"
	"acarunner/pkg/utils/logger"

	"go.uber.org/zap"
)

// tracker records stage transitions of one run. Persistence failures are
// logged and never affect the run.
type tracker struct {
	svc    *Service
	ctx    context.Context
	status model.RunStatus
}

func (s *Service) newTracker(ctx context.Context, submissionID, assignmentID string) *tracker {
	return &tracker{
		svc: s,
		// status writes outlive a cancelled request
		ctx: context.WithoutCancel(ctx),
		status: model.RunStatus{
			SubmissionID: submissionID,
			AssignmentID: assignmentID,
			Status:       model.StatusRunning,
			ReceivedAt:   time.Now().Unix(),
		},
	}
}

func (t *tracker) advance(stage model.Stage) {
	t.status.Stage = stage
	t.persist()
}

func (t *tracker) setLanguage(language string) {
	t.status.Language = language
}

func (t *tracker) language(fallback string) string {
	if t.status.Language != "" {
		return t.status.Language
	}
	return fallback
}

func (t *tracker) executed(outcome registry.Outcome) {
	r := outcome.Result.Result
	t.status.Score = r.Score
	t.status.TotalTests = r.TotalTests
	t.status.PassedTests = r.PassedTests
	if outcome.Invoked {
		t.status.Status = model.StatusCompleted
	} else {
		t.status.Status = model.StatusFailed
		t.status.ErrorMessage = outcome.Result.Error
	}
	t.advance(model.StageExecuted)
}

func (t *tracker) failed(cause error) {
	t.status.FailedStage = t.status.Stage
	t.status.Status = model.StatusFailed
	t.status.ErrorCode = int(appErr.GetCode(cause))
	t.status.ErrorMessage = cause.Error()
	t.persist()
}

func (t *tracker) callbackSent() {
	t.status.CallbackSent = true
	t.advance(model.StageCallbackSent)
}

// finish records the cleaned stage and publishes the final status.
func (t *tracker) finish() {
	t.status.FinishedAt = time.Now().Unix()
	t.advance(model.StageCleaned)
	if t.svc.publisher == nil {
		return
	}
	ctx, cancel := t.svc.statusContext(t.ctx)
	defer cancel()
	if err := t.svc.publisher.PublishFinalStatus(ctx, t.status); err != nil {
		logger.Warn(t.ctx, "publish final status failed", zap.Error(err))
	}
}

func (t *tracker) persist() {
	if t.svc.statusRepo == nil {
		return
	}
	ctx, cancel := t.svc.statusContext(t.ctx)
	defer cancel()
	if err := t.svc.statusRepo.Save(ctx, t.status); err != nil {
		logger.Warn(t.ctx, "update run status failed", zap.String("stage", string(t.status.Stage)), zap.Error(err))
	}
}

func (s *Service) statusContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.statusTimeout > 0 {
		return context.WithTimeout(ctx, s.statusTimeout)
	}
	return context.WithCancel(ctx)
}
