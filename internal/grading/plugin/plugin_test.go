package plugin

import (
	"context"
	"reflect"
	"testing"
	"time"
)

type stubPlugin struct {
	Base
}

func (s stubPlugin) DetectLanguage(files []string) bool { return s.DetectByExtension(files) }

func (stubPlugin) PrepareEnvironment(context.Context, string, []string) EnvironmentInfo {
	return EnvironmentInfo{Success: true}
}

func (stubPlugin) RunTests(context.Context, string, string, EnvironmentInfo) ExecutionResult {
	return ExecutionResult{Success: true}
}

func (stubPlugin) GenerateFeedback(ExecutionResult) string { return "" }

func newStub() stubPlugin {
	return stubPlugin{Base{
		Lang:  "ruby",
		Cfg:   NewConfig(30*time.Second, "", 0, "rspec", "RB", ".rake", " "),
		Image: "ruby:3",
	}}
}

func TestCalculateScore(t *testing.T) {
	cases := []struct {
		name   string
		result TestResult
		want   float64
	}{
		{name: "none ran", result: TestResult{}, want: 0},
		{name: "half", result: TestResult{TotalTests: 4, PassedTests: 2}, want: 0.5},
		{name: "all", result: TestResult{TotalTests: 3, PassedTests: 3}, want: 1},
		{name: "clamped high", result: TestResult{TotalTests: 2, PassedTests: 5}, want: 1},
		{name: "clamped low", result: TestResult{TotalTests: 2, PassedTests: -1}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.result.CalculateScore()
			if tc.result.Score != tc.want {
				t.Fatalf("score = %v, want %v", tc.result.Score, tc.want)
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	r := TestResult{TotalTests: 10, PassedTests: 3, FailedTests: 1, SkippedTests: -2}
	r.Reconcile()
	if r.TotalTests != 4 || r.SkippedTests != 0 || r.Score != 0.75 {
		t.Fatalf("unexpected result: %+v", r)
	}

	unknown := TestResult{TotalTests: 5}
	unknown.Reconcile()
	if unknown.TotalTests != 5 || unknown.Score != 0 {
		t.Fatalf("total without counters should stay: %+v", unknown)
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig(0, "", 0, "pytest", "py")
	if cfg.Timeout != DefaultTimeout || cfg.MemoryLimit != DefaultMemoryLimit || cfg.CPULimit != DefaultCPULimit {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !cfg.Matches("Main.PY") || cfg.Matches("main.pyc") {
		t.Fatalf("extension match is wrong")
	}
}

func TestInfoAndDockerConfig(t *testing.T) {
	p := newStub()
	info := InfoFor(p)
	if info.Language != "ruby" || info.Timeout != 30 || info.MemoryLimit != DefaultMemoryLimit {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !reflect.DeepEqual(info.SupportedExtensions, []string{".rake", ".rb"}) {
		t.Fatalf("unexpected extensions: %v", info.SupportedExtensions)
	}
	docker := DockerConfigFor(p)
	if docker.Image != "ruby:3" || docker.Network || !docker.ReadOnly || docker.Timeout != 30 {
		t.Fatalf("unexpected docker config: %+v", docker)
	}
}

func TestValidateSubmission(t *testing.T) {
	p := newStub()
	if v := ValidateSubmission(p, []string{"lib/app.rb"}); !v.IsValid || len(v.Errors) != 0 {
		t.Fatalf("expected valid: %+v", v)
	}
	v := ValidateSubmission(p, []string{"main.py"})
	if v.IsValid || len(v.Errors) != 1 || v.Errors[0] != "Files do not match ruby language requirements" {
		t.Fatalf("unexpected validation: %+v", v)
	}
}

func TestFailureResult(t *testing.T) {
	res := FailureResult("boom")
	if res.Success || res.Error != "boom" || res.Result.Feedback != "boom" {
		t.Fatalf("unexpected failure result: %+v", res)
	}
	if len(res.Result.Errors) != 1 || res.Result.Warnings == nil {
		t.Fatalf("unexpected lists: %+v", res.Result)
	}
}
