// Package service runs one grading attempt end to end: stage the submission,
// merge fixtures, execute through the registry and report back.
package service

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"acarunner/internal/grading/archive"
	"acarunner/internal/grading/backendclient"
	"acarunner/internal/grading/fixture"
	"acarunner/internal/grading/model"
	"acarunner/internal/grading/plugin"
	"acarunner/internal/grading/registry"
	"acarunner/internal/grading/repository"
	"acarunner/internal/grading/workspace"
	appErr "acarunner/pkg/errors"
	"acarunner/pkg/utils/contextkey"
	"acarunner/pkg/utils/logger"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

const (
	DefaultLanguage = "python"

	defaultSlotWait = 2 * time.Second
	testFilePrefix  = "test_"
	testsDirPrefix  = "tests/"
)

// Backend is the collaborator that owns assignments and receives callbacks.
type Backend interface {
	FindAssignment(ctx context.Context, id string) (backendclient.Assignment, error)
	SendCallback(ctx context.Context, cb backendclient.Callback) error
}

// RunRequest is one grading request.
type RunRequest struct {
	SubmissionID backendclient.ID `json:"submissionId"`
	AssignmentID backendclient.ID `json:"assignmentId"`
	Filename     string           `json:"filename"`
}

// RunResponse is returned for every run that reached execution or failed after staging began.
type RunResponse struct {
	OK       bool                   `json:"ok"`
	Language string                 `json:"language"`
	Result   plugin.ExecutionResult `json:"result"`
}

// Service handles grading runs.
type Service struct {
	archives        archive.Store
	archiveLimits   archive.Limits
	backend         Backend
	registry        *registry.Registry
	fixtures        *fixture.Resolver
	workspaces      *workspace.Manager
	statusRepo      repository.StatusStore
	publisher       repository.StatusEventPublisher
	defaultLanguage string
	statusTimeout   time.Duration
	slotWait        time.Duration
	sem             chan struct{}
}

// Config holds service dependencies and settings.
type Config struct {
	Archives        archive.Store
	ArchiveLimits   archive.Limits
	Backend         Backend
	Registry        *registry.Registry
	Fixtures        *fixture.Resolver
	Workspaces      *workspace.Manager
	StatusRepo      repository.StatusStore
	Publisher       repository.StatusEventPublisher
	DefaultLanguage string
	StatusTimeout   time.Duration
	// MaxConcurrentRuns caps in-flight runs; zero means unlimited.
	MaxConcurrentRuns int
	SlotWait          time.Duration
}

// NewService creates a new runner service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Archives == nil {
		return nil, fmt.Errorf("archive store is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend client is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("plugin registry is required")
	}
	if cfg.Fixtures == nil {
		return nil, fmt.Errorf("fixture resolver is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	lang := strings.ToLower(strings.TrimSpace(cfg.DefaultLanguage))
	if lang == "" {
		lang = DefaultLanguage
	}
	if !cfg.Registry.Supported(lang) {
		return nil, fmt.Errorf("default language %q is not registered", lang)
	}
	s := &Service{
		archives:        cfg.Archives,
		archiveLimits:   cfg.ArchiveLimits,
		backend:         cfg.Backend,
		registry:        cfg.Registry,
		fixtures:        cfg.Fixtures,
		workspaces:      cfg.Workspaces,
		statusRepo:      cfg.StatusRepo,
		publisher:       cfg.Publisher,
		defaultLanguage: lang,
		statusTimeout:   cfg.StatusTimeout,
		slotWait:        cfg.SlotWait,
	}
	if cfg.MaxConcurrentRuns > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrentRuns)
	}
	if s.slotWait <= 0 {
		s.slotWait = defaultSlotWait
	}
	return s, nil
}

// Registry exposes the read-only plugin registry for introspection endpoints.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Status returns the last recorded status of a submission's run.
func (s *Service) Status(ctx context.Context, submissionID string) (model.RunStatus, error) {
	if s.statusRepo == nil {
		return model.RunStatus{}, appErr.New(appErr.ServiceUnavailable).WithMessage("run status tracking is disabled")
	}
	return s.statusRepo.Get(ctx, submissionID)
}

// Run grades one submission. Client errors are returned before anything is
// allocated and send no callback. Any later failure sends a failed callback
// and returns a RunnerError. Once the adapter is invoked the run completes.
// Cancelling ctx only matters while waiting for a run slot.
func (s *Service) Run(ctx context.Context, req RunRequest) (RunResponse, error) {
	submissionID := strings.TrimSpace(req.SubmissionID.String())
	filename := strings.TrimSpace(req.Filename)
	if submissionID == "" || filename == "" {
		return RunResponse{}, appErr.RequiredError(missingFields(submissionID, filename))
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)

	if _, err := s.archives.Stat(ctx, filename); err != nil {
		return RunResponse{}, err
	}

	if err := s.acquireSlot(ctx); err != nil {
		return RunResponse{}, err
	}
	defer s.releaseSlot()

	ctx = context.WithoutCancel(ctx)

	tracker := s.newTracker(ctx, submissionID, req.AssignmentID.String())
	tracker.advance(model.StageReceived)

	run, err := s.workspaces.Create(submissionID)
	if err != nil {
		defer tracker.finish()
		return s.fail(ctx, tracker, req.SubmissionID, s.defaultLanguage, err)
	}
	ctx = context.WithValue(ctx, contextkey.RunID, filepath.Base(run.Dir))
	tracker.status.RunID = filepath.Base(run.Dir)
	defer func() {
		if err := run.Cleanup(); err != nil {
			logger.Error(ctx, "remove run dir failed", zap.String("dir", run.Dir), zap.Error(err))
		}
		tracker.finish()
	}()

	resp, err := s.execute(ctx, tracker, run, req, filename)
	if err != nil {
		return s.fail(ctx, tracker, req.SubmissionID, tracker.language(s.defaultLanguage), err)
	}
	return resp, nil
}

func (s *Service) execute(ctx context.Context, tracker *tracker, run *workspace.Run, req RunRequest, filename string) (RunResponse, error) {
	archivePath, err := s.archives.Fetch(ctx, filename, run.Dir)
	if err != nil {
		return RunResponse{}, err
	}
	if _, err := archive.Extract(archivePath, run.WorkDir, s.archiveLimits); err != nil {
		return RunResponse{}, err
	}
	tracker.advance(model.StageStaged)

	assignment, err := s.backend.FindAssignment(ctx, req.AssignmentID.String())
	if err != nil {
		return RunResponse{}, err
	}
	testsDir, err := s.fixtures.Resolve(assignment.Slug)
	if err != nil {
		return RunResponse{}, err
	}
	fixtureFiles, err := fixture.Merge(testsDir, run.WorkDir)
	if err != nil {
		return RunResponse{}, err
	}
	tracker.advance(model.StageFixturesResolved)

	files, err := workspace.ListFiles(run.WorkDir)
	if err != nil {
		return RunResponse{}, err
	}
	language := s.selectLanguage(ctx, assignment.Language, files, fixtureFiles)
	tracker.setLanguage(language)
	logger.Info(ctx, "executing tests",
		zap.String("assignment", assignment.Slug),
		zap.String("language", language),
		zap.Int("files", len(files)),
	)

	outcome := s.registry.ExecuteTests(ctx, language, run.WorkDir, files, testsDir)
	if outcome.Language != "" {
		language = outcome.Language
	}
	if !outcome.Invoked {
		return RunResponse{}, appErr.New(appErr.LanguageNotSupported).WithMessage(outcome.Result.Error)
	}
	tracker.executed(outcome)

	cb := buildCallback(req.SubmissionID, language, outcome)
	s.sendCallback(ctx, cb)
	tracker.callbackSent()

	return RunResponse{OK: true, Language: language, Result: outcome.Result}, nil
}

// selectLanguage prefers the assignment's language, then detection over
// submission sources, then the default.
func (s *Service) selectLanguage(ctx context.Context, declared string, files, fixtureFiles []string) string {
	if declared = strings.ToLower(strings.TrimSpace(declared)); declared != "" {
		return declared
	}
	if lang, ok := s.registry.DetectLanguage(sourceFiles(files, fixtureFiles)); ok {
		return lang
	}
	logger.Info(ctx, "language not detected, using default", zap.String("language", s.defaultLanguage))
	return s.defaultLanguage
}

// sourceFiles drops fixture-owned paths and test files.
func sourceFiles(files, fixtureFiles []string) []string {
	owned := mapset.NewThreadUnsafeSet(fixtureFiles...)
	out := make([]string, 0, len(files))
	for _, f := range files {
		if owned.Contains(f) || strings.HasPrefix(f, testsDirPrefix) || strings.HasPrefix(path.Base(f), testFilePrefix) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func buildCallback(submissionID backendclient.ID, language string, outcome registry.Outcome) backendclient.Callback {
	status := backendclient.StatusFailed
	if outcome.Invoked {
		status = backendclient.StatusCompleted
	}
	r := outcome.Result.Result
	return backendclient.Callback{
		SubmissionID: submissionID,
		Status:       status,
		Score:        r.Score,
		TotalTests:   r.TotalTests,
		PassedTests:  r.PassedTests,
		Feedback:     r.Feedback,
		Language:     language,
	}
}

func (s *Service) fail(ctx context.Context, tracker *tracker, submissionID backendclient.ID, language string, cause error) (RunResponse, error) {
	logger.Error(ctx, "run failed", zap.String("stage", string(tracker.status.Stage)), zap.Error(cause))
	tracker.failed(cause)
	s.sendCallback(ctx, backendclient.Callback{
		SubmissionID: submissionID,
		Status:       backendclient.StatusFailed,
		Feedback:     cause.Error(),
		Language:     language,
	})
	tracker.callbackSent()

	runErr := appErr.New(appErr.RunnerError).WithMessage(cause.Error()).WithDetail("cause_code", int(appErr.GetCode(cause)))
	runErr.Err = cause
	return RunResponse{}, runErr
}

func (s *Service) sendCallback(ctx context.Context, cb backendclient.Callback) {
	// the callback must go out even if the inbound request was cancelled
	if err := s.backend.SendCallback(context.WithoutCancel(ctx), cb); err != nil {
		logger.Warn(ctx, "send callback failed", zap.String("status", cb.Status), zap.Error(err))
		return
	}
	logger.Info(ctx, "callback sent", zap.String("status", cb.Status), zap.Float64("score", cb.Score))
}

func (s *Service) acquireSlot(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	timer := time.NewTimer(s.slotWait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return appErr.New(appErr.ServiceUnavailable).WithMessage("runner is busy")
	}
}

func (s *Service) releaseSlot() {
	if s.sem == nil {
		return
	}
	select {
	case <-s.sem:
	default:
	}
}

func missingFields(submissionID, filename string) string {
	var missing []string
	if submissionID == "" {
		missing = append(missing, "submissionId")
	}
	if filename == "" {
		missing = append(missing, "filename")
	}
	return strings.Join(missing, ", ")
}
