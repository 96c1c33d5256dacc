package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"acarunner/internal/common/cache"
	"acarunner/internal/grading/archive"
	"acarunner/internal/grading/backendclient"
	"acarunner/internal/grading/fixture"
	"acarunner/internal/grading/model"
	"acarunner/internal/grading/plugin"
	"acarunner/internal/grading/plugin/python"
	"acarunner/internal/grading/registry"
	"acarunner/internal/grading/repository"
	"acarunner/internal/grading/workspace"
	appErr "acarunner/pkg/errors"

	"github.com/klauspost/compress/zip"
)

type fakeBackend struct {
	mu          sync.Mutex
	assignments []backendclient.Assignment
	callbackErr error
	callbacks   []backendclient.Callback
}

func (f *fakeBackend) FindAssignment(_ context.Context, id string) (backendclient.Assignment, error) {
	for _, a := range f.assignments {
		if string(a.ID) == id {
			return a, nil
		}
	}
	return backendclient.Assignment{}, appErr.New(appErr.AssignmentNotFound)
}

func (f *fakeBackend) SendCallback(_ context.Context, cb backendclient.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
	return f.callbackErr
}

type fakePlugin struct {
	plugin.Base
	result     plugin.ExecutionResult
	panicOnRun bool
	peek       string
	onRun      func()

	runCtxErr  error
	peeked     string
	runs       int
	gotFiles   []string
	gotTestDir string
	seen       []string
}

func newFakePlugin(lang string, exts ...string) *fakePlugin {
	return &fakePlugin{
		Base: plugin.Base{Lang: lang, Cfg: plugin.NewConfig(0, "", 0, "fake", exts...), Image: "fake:1"},
		result: plugin.ExecutionResult{
			Success: true,
			Result:  plugin.TestResult{TotalTests: 1, PassedTests: 1, Score: 1},
		},
	}
}

func (f *fakePlugin) DetectLanguage(files []string) bool { return f.DetectByExtension(files) }

func (f *fakePlugin) PrepareEnvironment(_ context.Context, _ string, files []string) plugin.EnvironmentInfo {
	f.gotFiles = append([]string{}, files...)
	return plugin.EnvironmentInfo{Success: true}
}

func (f *fakePlugin) RunTests(ctx context.Context, workdir, testDir string, _ plugin.EnvironmentInfo) plugin.ExecutionResult {
	f.runs++
	if f.onRun != nil {
		f.onRun()
	}
	f.runCtxErr = ctx.Err()
	f.gotTestDir = testDir
	f.seen, _ = workspace.ListFiles(workdir)
	if f.peek != "" {
		data, _ := os.ReadFile(filepath.Join(workdir, f.peek))
		f.peeked = string(data)
	}
	if f.panicOnRun {
		panic("adapter bug")
	}
	return f.result
}

func (f *fakePlugin) GenerateFeedback(result plugin.ExecutionResult) string {
	if !result.Success {
		return "failed"
	}
	return "all good"
}

type fakePublisher struct {
	events []model.RunStatus
}

func (f *fakePublisher) PublishFinalStatus(_ context.Context, status model.RunStatus) error {
	f.events = append(f.events, status)
	return nil
}

type harness struct {
	svc         *Service
	backend     *fakeBackend
	repo        *repository.StatusRepository
	publisher   *fakePublisher
	submissions string
	fixtures    string
	custom      string
	workRoot    string
}

func newHarness(t *testing.T, defaultLanguage string, plugins ...plugin.Plugin) *harness {
	t.Helper()
	base := t.TempDir()
	h := &harness{
		backend:     &fakeBackend{},
		repo:        repository.NewStatusRepository(cache.NewMemoryCache(100), time.Minute),
		publisher:   &fakePublisher{},
		submissions: filepath.Join(base, "submissions"),
		fixtures:    filepath.Join(base, "tasks"),
		custom:      filepath.Join(base, "custom"),
		workRoot:    filepath.Join(base, "work"),
	}
	for _, dir := range []string{h.submissions, h.fixtures, h.custom} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	reg, err := registry.New(plugins...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	ws, err := workspace.NewManager(h.workRoot)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	h.svc, err = NewService(Config{
		Archives:        archive.NewLocalStore(h.submissions),
		Backend:         h.backend,
		Registry:        reg,
		Fixtures:        fixture.NewResolver(h.fixtures, h.custom),
		Workspaces:      ws,
		StatusRepo:      h.repo,
		Publisher:       h.publisher,
		DefaultLanguage: defaultLanguage,
		StatusTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

func (h *harness) submission(t *testing.T, name string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for entry, body := range files {
		w, err := zw.Create(entry)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.submissions, name), buf.Bytes(), 0644); err != nil {
		t.Fatalf("write zip: %v", err)
	}
}

func (h *harness) fixture(t *testing.T, root, slug string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, slug, "tests")
	for rel, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return dir
}

func (h *harness) assertWorkRootEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workRoot)
	if err != nil {
		t.Fatalf("read work root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty work root, found %d entries", len(entries))
	}
}

func (h *harness) onlyCallback(t *testing.T) backendclient.Callback {
	t.Helper()
	if len(h.backend.callbacks) != 1 {
		t.Fatalf("expected exactly one callback, got %d", len(h.backend.callbacks))
	}
	return h.backend.callbacks[0]
}

func TestRunCompleted(t *testing.T) {
	py := newFakePlugin("python", ".py")
	py.peek = "test_solution.py"
	h := newHarness(t, "", py)
	h.backend.assignments = []backendclient.Assignment{{ID: "1", Slug: "mean"}, {ID: "10", Slug: "other"}}
	h.submission(t, "s42.zip", map[string]string{"solution.py": "def calculate_mean(xs): ...", "test_solution.py": "tampered"})
	testsDir := h.fixture(t, h.fixtures, "mean", map[string]string{"test_solution.py": "real", "data/in.txt": "1"})

	resp, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "42", AssignmentID: "1", Filename: "s42.zip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.OK || resp.Language != "python" || resp.Result.Result.Feedback != "all good" {
		t.Fatalf("unexpected response %+v", resp)
	}
	cb := h.onlyCallback(t)
	if cb.SubmissionID != "42" || cb.Status != backendclient.StatusCompleted || cb.Score != 1 || cb.TotalTests != 1 || cb.PassedTests != 1 || cb.Language != "python" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	if py.gotTestDir != testsDir {
		t.Fatalf("expected tests dir %s, got %s", testsDir, py.gotTestDir)
	}
	if py.peeked != "real" {
		t.Fatalf("fixture must overwrite the submitted test file, got %q", py.peeked)
	}
	wantSeen := []string{"data/in.txt", "solution.py", "test_solution.py"}
	if !equalStrings(py.seen, wantSeen) || !equalStrings(py.gotFiles, wantSeen) {
		t.Fatalf("unexpected workdir %v / files %v", py.seen, py.gotFiles)
	}
	h.assertWorkRootEmpty(t)

	status, err := h.svc.Status(context.Background(), "42")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Stage != model.StageCleaned || status.Status != model.StatusCompleted || !status.CallbackSent || status.FinishedAt == 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(h.publisher.events) != 1 || h.publisher.events[0].Stage != model.StageCleaned {
		t.Fatalf("expected one final event, got %+v", h.publisher.events)
	}
}

func TestRunAssignmentNotFound(t *testing.T) {
	py := newFakePlugin("python", ".py")
	h := newHarness(t, "", py)
	h.backend.assignments = []backendclient.Assignment{{ID: "10", Slug: "mean"}}
	h.submission(t, "s.zip", map[string]string{"solution.py": ""})

	_, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "7", AssignmentID: "1", Filename: "s.zip"})
	if !appErr.Is(err, appErr.RunnerError) {
		t.Fatalf("expected runner error, got %v", err)
	}
	if appErr.GetCode(err).HTTPStatus() != 500 || err.Error() != "Assignment not found" {
		t.Fatalf("unexpected error mapping %d %q", appErr.GetCode(err).HTTPStatus(), err.Error())
	}
	cb := h.onlyCallback(t)
	if cb.Status != backendclient.StatusFailed || cb.Score != 0 || cb.Feedback != "Assignment not found" || cb.Language != "python" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	if py.runs != 0 {
		t.Fatalf("adapter must not run")
	}
	h.assertWorkRootEmpty(t)

	status, err := h.svc.Status(context.Background(), "7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != model.StatusFailed || status.FailedStage != model.StageStaged || status.ErrorCode != int(appErr.AssignmentNotFound) {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRunFixturesMissing(t *testing.T) {
	h := newHarness(t, "", newFakePlugin("python", ".py"))
	h.backend.assignments = []backendclient.Assignment{{ID: "1", Slug: "absent"}}
	h.submission(t, "s.zip", map[string]string{"solution.py": ""})

	_, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "7", AssignmentID: "1", Filename: "s.zip"})
	if !appErr.Is(err, appErr.RunnerError) {
		t.Fatalf("expected runner error, got %v", err)
	}
	cb := h.onlyCallback(t)
	if cb.Status != backendclient.StatusFailed || cb.Feedback != "Tests not found for assignment" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	h.assertWorkRootEmpty(t)
}

func TestRunCorruptArchive(t *testing.T) {
	h := newHarness(t, "", newFakePlugin("python", ".py"))
	if err := os.WriteFile(filepath.Join(h.submissions, "bad.zip"), []byte("garbage"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "7", AssignmentID: "1", Filename: "bad.zip"})
	if !appErr.Is(err, appErr.RunnerError) {
		t.Fatalf("expected runner error, got %v", err)
	}
	if cb := h.onlyCallback(t); cb.Status != backendclient.StatusFailed {
		t.Fatalf("unexpected callback %+v", cb)
	}
	h.assertWorkRootEmpty(t)
}

func TestRunClientErrors(t *testing.T) {
	h := newHarness(t, "", newFakePlugin("python", ".py"))
	cases := []struct {
		name string
		req  RunRequest
		code appErr.ErrorCode
		msg  string
	}{
		{name: "missing submission", req: RunRequest{Filename: "s.zip"}, code: appErr.InvalidParams, msg: "missing fields: submissionId"},
		{name: "missing filename", req: RunRequest{SubmissionID: "1"}, code: appErr.InvalidParams, msg: "missing fields: filename"},
		{name: "missing both", req: RunRequest{}, code: appErr.InvalidParams, msg: "missing fields: submissionId, filename"},
		{name: "missing archive", req: RunRequest{SubmissionID: "1", Filename: "nope.zip"}, code: appErr.SubmissionArchiveNotFound, msg: "file not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Run(context.Background(), tc.req)
			if !appErr.Is(err, tc.code) || err.Error() != tc.msg {
				t.Fatalf("expected %d %q, got %v", tc.code, tc.msg, err)
			}
		})
	}
	if len(h.backend.callbacks) != 0 {
		t.Fatalf("client errors must not send callbacks")
	}
	h.assertWorkRootEmpty(t)
	if _, err := h.svc.Status(context.Background(), "1"); !appErr.Is(err, appErr.RunStatusNotFound) {
		t.Fatalf("client errors must not record status, got %v", err)
	}
}

func TestRunLanguageSelection(t *testing.T) {
	cases := []struct {
		name       string
		declared   string
		files      map[string]string
		fixtures   map[string]string
		wantLang   string
		wantStatus string
		wantErr    bool
	}{
		{name: "declared wins", declared: "Ruby", files: map[string]string{"main.py": ""}, wantLang: "ruby", wantStatus: backendclient.StatusCompleted},
		{name: "detected", files: map[string]string{"lib/main.rb": ""}, wantLang: "ruby", wantStatus: backendclient.StatusCompleted},
		{name: "tests and fixtures ignored", files: map[string]string{"test_helper.rb": "", "tests/x.rb": "", "main.py": ""}, fixtures: map[string]string{"conftest.rb": ""}, wantLang: "python", wantStatus: backendclient.StatusCompleted},
		{name: "default fallback", files: map[string]string{"notes.txt": ""}, wantLang: "python", wantStatus: backendclient.StatusCompleted},
		{name: "unsupported declared", declared: "cobol", files: map[string]string{"main.py": ""}, wantLang: "cobol", wantStatus: backendclient.StatusFailed, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rb := newFakePlugin("ruby", ".rb")
			py := newFakePlugin("python", ".py")
			h := newHarness(t, "python", rb, py)
			h.backend.assignments = []backendclient.Assignment{{ID: "1", Slug: "task", Language: tc.declared}}
			h.submission(t, "s.zip", tc.files)
			fixtures := tc.fixtures
			if fixtures == nil {
				fixtures = map[string]string{"test_task.txt": ""}
			}
			h.fixture(t, h.fixtures, "task", fixtures)

			resp, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "1", AssignmentID: "1", Filename: "s.zip"})
			cb := h.onlyCallback(t)
			if cb.Language != tc.wantLang || cb.Status != tc.wantStatus {
				t.Fatalf("expected %s/%s, got callback %+v", tc.wantLang, tc.wantStatus, cb)
			}
			if tc.wantErr {
				if !appErr.Is(err, appErr.RunnerError) || appErr.GetCode(err).HTTPStatus() != 500 {
					t.Fatalf("expected runner error, got %v", err)
				}
				msg := "Language " + tc.wantLang + " is not supported"
				if err.Error() != msg || cb.Feedback != msg || cb.Score != 0 {
					t.Fatalf("unexpected failure %q / %+v", err.Error(), cb)
				}
				if rb.runs != 0 || py.runs != 0 {
					t.Fatalf("no adapter may run")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if resp.Language != tc.wantLang {
					t.Fatalf("expected response language %s, got %s", tc.wantLang, resp.Language)
				}
			}
			h.assertWorkRootEmpty(t)
		})
	}
}

func TestRunAdapterPanicStillCompletes(t *testing.T) {
	py := newFakePlugin("python", ".py")
	py.panicOnRun = true
	h := newHarness(t, "", py)
	h.backend.assignments = []backendclient.Assignment{{ID: "1", Slug: "mean"}}
	h.submission(t, "s.zip", map[string]string{"solution.py": ""})
	h.fixture(t, h.fixtures, "mean", map[string]string{"test_solution.py": ""})

	resp, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "1", AssignmentID: "1", Filename: "s.zip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Result.Success || resp.Result.Result.TotalTests != 0 {
		t.Fatalf("unexpected result %+v", resp.Result)
	}
	cb := h.onlyCallback(t)
	if cb.Status != backendclient.StatusCompleted || cb.Score != 0 {
		t.Fatalf("unexpected callback %+v", cb)
	}
	h.assertWorkRootEmpty(t)
}

func TestRunTimedOutStillCompletes(t *testing.T) {
	py := newFakePlugin("python", ".py")
	py.result = plugin.ExecutionResult{
		Success:  false,
		TimedOut: true,
		Error:    "Test execution timed out after 60 seconds",
		Result:   plugin.TestResult{Feedback: "Test execution timed out after 60 seconds"},
	}
	h := newHarness(t, "", py)
	h.backend.assignments = []backendclient.Assignment{{ID: "1", Slug: "mean"}}
	h.submission(t, "s.zip", map[string]string{"solution.py": "while True: pass"})
	h.fixture(t, h.fixtures, "mean", map[string]string{"test_solution.py": ""})

	resp, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "5", AssignmentID: "1", Filename: "s.zip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.OK || !resp.Result.TimedOut {
		t.Fatalf("unexpected response %+v", resp)
	}
	cb := h.onlyCallback(t)
	if cb.Status != backendclient.StatusCompleted || cb.TotalTests != 0 || cb.PassedTests != 0 || cb.Score != 0 || cb.Feedback != "failed" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	h.assertWorkRootEmpty(t)

	status, err := h.svc.Status(context.Background(), "5")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != model.StatusCompleted || status.Stage != model.StageCleaned {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	py := newFakePlugin("python", ".py")
	py.onRun = cancel
	h := newHarness(t, "", py)
	h.backend.assignments = []backendclient.Assignment{{ID: "1", Slug: "mean"}}
	h.submission(t, "s.zip", map[string]string{"solution.py": ""})
	h.fixture(t, h.fixtures, "mean", map[string]string{"test_solution.py": ""})

	resp, err := h.svc.Run(ctx, RunRequest{SubmissionID: "8", AssignmentID: "1", Filename: "s.zip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("caller context should be cancelled")
	}
	if py.runCtxErr != nil {
		t.Fatalf("adapter saw cancellation: %v", py.runCtxErr)
	}
	cb := h.onlyCallback(t)
	if !resp.OK || cb.Status != backendclient.StatusCompleted || cb.Score != 1 {
		t.Fatalf("unexpected outcome %+v / %+v", resp, cb)
	}
	h.assertWorkRootEmpty(t)
}

func TestRunCallbackFailureSwallowed(t *testing.T) {
	h := newHarness(t, "", newFakePlugin("python", ".py"))
	h.backend.callbackErr = errors.New("backend down")
	h.backend.assignments = []backendclient.Assignment{{ID: "1", Slug: "mean"}}
	h.submission(t, "s.zip", map[string]string{"solution.py": ""})
	h.fixture(t, h.custom, "mean", map[string]string{"test_solution.py": ""})

	resp, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "1", AssignmentID: "1", Filename: "s.zip"})
	if err != nil || !resp.OK {
		t.Fatalf("callback failure must not fail the run: %+v %v", resp, err)
	}
	h.onlyCallback(t)
	h.assertWorkRootEmpty(t)
}

func TestRunBusy(t *testing.T) {
	h := newHarness(t, "", newFakePlugin("python", ".py"))
	h.svc.sem = make(chan struct{}, 1)
	h.svc.slotWait = 10 * time.Millisecond
	h.svc.sem <- struct{}{}
	h.submission(t, "s.zip", map[string]string{"solution.py": ""})

	_, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "1", AssignmentID: "1", Filename: "s.zip"})
	if !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if len(h.backend.callbacks) != 0 {
		t.Fatalf("rejected runs must not send callbacks")
	}
}

func TestNewServiceValidation(t *testing.T) {
	reg := registry.MustNew(newFakePlugin("python", ".py"))
	ws, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	valid := Config{
		Archives:   archive.NewLocalStore(t.TempDir()),
		Backend:    &fakeBackend{},
		Registry:   reg,
		Fixtures:   fixture.NewResolver(t.TempDir()),
		Workspaces: ws,
	}
	if _, err := NewService(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mutations := map[string]func(c *Config){
		"archives":   func(c *Config) { c.Archives = nil },
		"backend":    func(c *Config) { c.Backend = nil },
		"registry":   func(c *Config) { c.Registry = nil },
		"fixtures":   func(c *Config) { c.Fixtures = nil },
		"workspaces": func(c *Config) { c.Workspaces = nil },
		"default":    func(c *Config) { c.DefaultLanguage = "ruby" },
	}
	for name, mutate := range mutations {
		cfg := valid
		mutate(&cfg)
		if _, err := NewService(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRunEndToEndWithPytest(t *testing.T) {
	if err := exec.Command("python3", "-c", "import pytest, pytest_jsonreport").Run(); err != nil {
		t.Skip("pytest with json-report is not available")
	}
	h := newHarness(t, "", python.New(python.Options{Interpreter: "python3", Timeout: 30 * time.Second}))
	h.backend.assignments = []backendclient.Assignment{{ID: "3", Slug: "csv-stats", Language: "python"}}
	h.submission(t, "s.zip", map[string]string{
		"solution.py": "def calculate_mean(values):\n    return sum(values) / len(values)\n",
	})
	h.fixture(t, h.fixtures, "csv-stats", map[string]string{
		"test_solution.py": "from solution import calculate_mean\n\n\ndef test_mean():\n    assert calculate_mean([1, 2, 3, 4, 5]) == 3.0\n",
	})

	resp, err := h.svc.Run(context.Background(), RunRequest{SubmissionID: "99", AssignmentID: "3", Filename: "s.zip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb := h.onlyCallback(t)
	if cb.Status != backendclient.StatusCompleted || cb.Score != 1 || cb.TotalTests != 1 || cb.PassedTests != 1 {
		t.Fatalf("unexpected callback %+v (raw: %s)", cb, resp.Result.RawOutput)
	}
	h.assertWorkRootEmpty(t)
}

func equalStrings(a, b []string) bool {
	a = append([]string{}, a...)
	b = append([]string{}, b...)
	sort.Strings(a)
	sort.Strings(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
