// Package plugin defines the contract every language adapter implements
// and the normalized result shape adapters converge on.
package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultMemoryLimit = "512m"
	DefaultCPULimit    = 1.0
)

// Plugin is implemented by each language adapter.
// Toolchain failures are reported through the returned values; a panic
// means the adapter itself is broken.
type Plugin interface {
	Language() string
	Config() Config

	// DetectLanguage inspects names only and must not touch the filesystem.
	DetectLanguage(files []string) bool

	// PrepareEnvironment performs toolchain setup scoped to workdir.
	PrepareEnvironment(ctx context.Context, workdir string, files []string) EnvironmentInfo

	// RunTests executes testDir from inside workdir under Config().Timeout.
	RunTests(ctx context.Context, workdir, testDir string, env EnvironmentInfo) ExecutionResult

	GenerateFeedback(result ExecutionResult) string
	DockerImage() string
}

// Config is the immutable per-language configuration.
type Config struct {
	Timeout       time.Duration
	MemoryLimit   string
	CPULimit      float64
	Extensions    mapset.Set[string]
	TestFramework string
}

// NewConfig builds a Config, filling zero values with defaults.
// Extensions are normalized to lower case with a leading dot.
func NewConfig(timeout time.Duration, memory string, cpu float64, framework string, extensions ...string) Config {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if memory == "" {
		memory = DefaultMemoryLimit
	}
	if cpu <= 0 {
		cpu = DefaultCPULimit
	}
	exts := mapset.NewThreadUnsafeSet[string]()
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts.Add(ext)
	}
	return Config{
		Timeout:       timeout,
		MemoryLimit:   memory,
		CPULimit:      cpu,
		Extensions:    exts,
		TestFramework: framework,
	}
}

// Matches reports whether name carries one of the configured extensions.
func (c Config) Matches(name string) bool {
	if c.Extensions == nil {
		return false
	}
	return c.Extensions.Contains(strings.ToLower(filepath.Ext(name)))
}

// SortedExtensions returns the extension set in stable order.
func (c Config) SortedExtensions() []string {
	if c.Extensions == nil {
		return []string{}
	}
	out := c.Extensions.ToSlice()
	sort.Strings(out)
	return out
}

// EnvironmentInfo summarizes PrepareEnvironment. It is only consumed by
// RunTests of the same adapter.
type EnvironmentInfo struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// TestResult is the normalized result every adapter produces.
type TestResult struct {
	TotalTests    int      `json:"total_tests"`
	PassedTests   int      `json:"passed_tests"`
	FailedTests   int      `json:"failed_tests"`
	SkippedTests  int      `json:"skipped_tests"`
	Score         float64  `json:"score"`
	Feedback      string   `json:"feedback"`
	ExecutionTime float64  `json:"execution_time"`
	Errors        []string `json:"errors"`
	Warnings      []string `json:"warnings"`
}

// CalculateScore sets Score to passed/total, or 0 when nothing ran.
func (r *TestResult) CalculateScore() {
	if r.TotalTests <= 0 {
		r.Score = 0
		return
	}
	score := float64(r.PassedTests) / float64(r.TotalTests)
	switch {
	case score < 0:
		score = 0
	case score > 1:
		score = 1
	}
	r.Score = score
}

// Reconcile clamps negative counters, makes total equal the sum of the
// outcome counters whenever any is known, and recomputes the score.
func (r *TestResult) Reconcile() {
	if r.PassedTests < 0 {
		r.PassedTests = 0
	}
	if r.FailedTests < 0 {
		r.FailedTests = 0
	}
	if r.SkippedTests < 0 {
		r.SkippedTests = 0
	}
	if r.TotalTests < 0 {
		r.TotalTests = 0
	}
	if sum := r.PassedTests + r.FailedTests + r.SkippedTests; sum > 0 {
		r.TotalTests = sum
	}
	r.CalculateScore()
}

// ExecutionResult is what RunTests returns.
type ExecutionResult struct {
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	TimedOut  bool       `json:"timed_out,omitempty"`
	Result    TestResult `json:"result"`
	RawOutput string     `json:"raw_output"`
	RawErrors string     `json:"raw_errors"`
}

// FailureResult builds a result for a run that could not produce test counts.
func FailureResult(msg string) ExecutionResult {
	return ExecutionResult{
		Success: false,
		Error:   msg,
		Result: TestResult{
			Feedback: msg,
			Errors:   []string{msg},
			Warnings: []string{},
		},
	}
}

// DockerConfig declares the isolated environment an external runtime must provide.
type DockerConfig struct {
	Image    string  `json:"image"`
	Timeout  int     `json:"timeout"`
	Memory   string  `json:"memory"`
	CPU      float64 `json:"cpu"`
	Network  bool    `json:"network"`
	ReadOnly bool    `json:"read_only"`
}

// DockerConfigFor derives the container declaration from a plugin.
func DockerConfigFor(p Plugin) DockerConfig {
	cfg := p.Config()
	return DockerConfig{
		Image:    p.DockerImage(),
		Timeout:  int(cfg.Timeout / time.Second),
		Memory:   cfg.MemoryLimit,
		CPU:      cfg.CPULimit,
		Network:  false,
		ReadOnly: true,
	}
}

// Validation is the outcome of ValidateSubmission.
type Validation struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// ValidateSubmission checks files against the plugin's detector.
func ValidateSubmission(p Plugin, files []string) Validation {
	if p.DetectLanguage(files) {
		return Validation{IsValid: true, Errors: []string{}}
	}
	return Validation{
		IsValid: false,
		Errors:  []string{fmt.Sprintf("Files do not match %s language requirements", p.Language())},
	}
}

// Info is the introspection view of a plugin.
type Info struct {
	Language            string   `json:"language"`
	Timeout             int      `json:"timeout"`
	MemoryLimit         string   `json:"memory_limit"`
	CPULimit            float64  `json:"cpu_limit"`
	DockerImage         string   `json:"docker_image"`
	SupportedExtensions []string `json:"supported_extensions"`
	TestFramework       string   `json:"test_framework"`
}

// InfoFor builds the introspection view of p.
func InfoFor(p Plugin) Info {
	cfg := p.Config()
	return Info{
		Language:            p.Language(),
		Timeout:             int(cfg.Timeout / time.Second),
		MemoryLimit:         cfg.MemoryLimit,
		CPULimit:            cfg.CPULimit,
		DockerImage:         p.DockerImage(),
		SupportedExtensions: cfg.SortedExtensions(),
		TestFramework:       cfg.TestFramework,
	}
}

// Base carries the identity fields shared by adapters.
type Base struct {
	Lang  string
	Cfg   Config
	Image string
}

func (b Base) Language() string    { return b.Lang }
func (b Base) Config() Config      { return b.Cfg }
func (b Base) DockerImage() string { return b.Image }

// DetectByExtension reports whether any file matches the configured extensions.
func (b Base) DetectByExtension(files []string) bool {
	for _, f := range files {
		if b.Cfg.Matches(f) {
			return true
		}
	}
	return false
}
