// Package python is the pytest-backed language adapter.
package python

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"acarunner/internal/grading/plugin"
	"acarunner/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	Language = "python"

	DefaultImage          = "python:3.11-slim"
	DefaultInterpreter    = "python"
	DefaultTestCommand    = "{python} -m pytest -q --disable-warnings --json-report --json-report-file={report} {tests}"
	DefaultInstallCommand = "{python} -m pip install -r {requirements}"
	DefaultInstallTimeout = 30 * time.Second
	DefaultVersionTimeout = 5 * time.Second

	requirementsFile = "requirements.txt"
	reportFile       = "report.json"
)

// pytest exit codes that mean the suite ran: all passed, some failed, none collected.
var executedExitCodes = map[int]bool{0: true, 1: true, 5: true}

// Options configures the adapter. Zero values take the defaults above.
type Options struct {
	Interpreter    string        `yaml:"interpreter"`
	TestCommand    string        `yaml:"testCommand"`
	InstallCommand string        `yaml:"installCommand"`
	Image          string        `yaml:"image"`
	Timeout        time.Duration `yaml:"timeout"`
	MemoryLimit    string        `yaml:"memoryLimit"`
	CPULimit       float64       `yaml:"cpuLimit"`
	InstallTimeout time.Duration `yaml:"installTimeout"`
	VersionTimeout time.Duration `yaml:"versionTimeout"`
	Extensions     []string      `yaml:"extensions"`
}

func (o *Options) applyDefaults() {
	if o.Interpreter == "" {
		o.Interpreter = DefaultInterpreter
	}
	if o.TestCommand == "" {
		o.TestCommand = DefaultTestCommand
	}
	if o.InstallCommand == "" {
		o.InstallCommand = DefaultInstallCommand
	}
	if o.Image == "" {
		o.Image = DefaultImage
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = DefaultInstallTimeout
	}
	if o.VersionTimeout <= 0 {
		o.VersionTimeout = DefaultVersionTimeout
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".py"}
	}
}

// Plugin runs pytest with the json-report plugin and normalizes its report.
type Plugin struct {
	plugin.Base
	opts Options
}

// New builds the adapter.
func New(opts Options) *Plugin {
	opts.applyDefaults()
	return &Plugin{
		Base: plugin.Base{
			Lang:  Language,
			Cfg:   plugin.NewConfig(opts.Timeout, opts.MemoryLimit, opts.CPULimit, "pytest", opts.Extensions...),
			Image: opts.Image,
		},
		opts: opts,
	}
}

func (p *Plugin) DetectLanguage(files []string) bool {
	return p.DetectByExtension(files)
}

// PrepareEnvironment installs requirements.txt when the submission ships one.
func (p *Plugin) PrepareEnvironment(ctx context.Context, workdir string, files []string) plugin.EnvironmentInfo {
	info := plugin.EnvironmentInfo{
		Success: true,
		Details: map[string]string{
			"python_version":         p.pythonVersion(ctx, workdir),
			"dependencies_installed": "false",
		},
	}
	if !hasRequirements(workdir, files) {
		return info
	}

	args, err := plugin.ExpandCommand(p.opts.InstallCommand, map[string]string{
		"python":       p.opts.Interpreter,
		"requirements": requirementsFile,
	})
	if err != nil {
		return plugin.EnvironmentInfo{Success: false, Error: fmt.Sprintf("Failed to install dependencies: %v", err)}
	}
	res := plugin.RunCommand(ctx, plugin.CommandSpec{Args: args, Dir: workdir, Timeout: p.opts.InstallTimeout})
	if !res.Success {
		logger.Warn(ctx, "dependency install failed",
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut),
		)
		return plugin.EnvironmentInfo{
			Success: false,
			Error:   "Failed to install dependencies: " + strings.TrimSpace(res.Stderr),
			Details: info.Details,
		}
	}
	info.Details["dependencies_installed"] = "true"
	return info
}

// RunTests runs the configured test command against testDir with workdir as cwd.
func (p *Plugin) RunTests(ctx context.Context, workdir, testDir string, env plugin.EnvironmentInfo) plugin.ExecutionResult {
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "Environment preparation failed"
		}
		res := plugin.FailureResult(msg)
		res.RawErrors = msg
		return res
	}

	reportPath := filepath.Join(workdir, reportFile)
	if err := os.Remove(reportPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn(ctx, "remove stale report failed", zap.String("path", reportPath), zap.Error(err))
	}

	args, err := plugin.ExpandCommand(p.opts.TestCommand, map[string]string{
		"python":  p.opts.Interpreter,
		"report":  reportPath,
		"tests":   testDir,
		"workdir": workdir,
	})
	if err != nil {
		res := plugin.FailureResult(fmt.Sprintf("Test execution failed: %v", err))
		res.RawErrors = err.Error()
		return res
	}

	cmdRes := plugin.RunCommand(ctx, plugin.CommandSpec{Args: args, Dir: workdir, Timeout: p.Cfg.Timeout})
	elapsed := cmdRes.Duration.Seconds()

	if cmdRes.TimedOut {
		msg := fmt.Sprintf("Test execution timed out after %s seconds", plugin.FormatSeconds(p.Cfg.Timeout))
		res := plugin.FailureResult(msg)
		res.TimedOut = true
		res.Result.ExecutionTime = elapsed
		res.RawOutput = cmdRes.Stdout
		res.RawErrors = cmdRes.Stderr
		return res
	}
	if cmdRes.ExitCode < 0 {
		msg := strings.TrimSpace(cmdRes.Stderr)
		if msg == "" {
			msg = "Test execution was terminated"
		}
		res := plugin.FailureResult(msg)
		res.Result.ExecutionTime = elapsed
		res.RawOutput = cmdRes.Stdout
		res.RawErrors = cmdRes.Stderr
		return res
	}

	data, readErr := os.ReadFile(reportPath)
	parsed, parseErr := parseReport(data, cmdRes.Stdout)
	result := toTestResult(parsed)
	if result.ExecutionTime == 0 {
		result.ExecutionTime = elapsed
	}
	switch {
	case readErr != nil && errors.Is(readErr, os.ErrNotExist):
		result.Warnings = append(result.Warnings, "test report not found")
	case readErr != nil:
		result.Warnings = append(result.Warnings, "test report unreadable: "+readErr.Error())
	case parseErr != nil:
		result.Warnings = append(result.Warnings, parseErr.Error())
	}
	logger.Debug(ctx, "pytest report parsed",
		zap.String("stage", parsed.stage),
		zap.Int("exit_code", cmdRes.ExitCode),
		zap.Int("total", result.TotalTests),
	)

	out := plugin.ExecutionResult{
		Success:   executedExitCodes[cmdRes.ExitCode],
		Result:    result,
		RawOutput: cmdRes.Stdout,
		RawErrors: cmdRes.Stderr,
	}
	if !out.Success {
		out.Error = "pytest exited with code " + strconv.Itoa(cmdRes.ExitCode)
		out.Result.Errors = append(out.Result.Errors, out.Error)
	}
	return out
}

// GenerateFeedback renders the summary stored in the callback.
func (p *Plugin) GenerateFeedback(result plugin.ExecutionResult) string {
	if !result.Success {
		detail := strings.TrimSpace(result.RawErrors)
		if detail == "" {
			detail = result.Error
		}
		if detail == "" {
			detail = "Unknown error"
		}
		return "Execution failed: " + detail
	}

	r := result.Result
	pct := r.Score * 100
	var b strings.Builder
	fmt.Fprintf(&b, "Tests: %d/%d passed (%.1f%%)\nScore: %.1f%%", r.PassedTests, r.TotalTests, pct, pct)
	if (r.FailedTests > 0 || r.TotalTests == 0) && r.Feedback != "" {
		if r.FailedTests > 0 {
			fmt.Fprintf(&b, "\n\nFailed tests: %d", r.FailedTests)
		}
		b.WriteString("\nDetails: ")
		b.WriteString(r.Feedback)
	}
	return b.String()
}

func (p *Plugin) pythonVersion(ctx context.Context, workdir string) string {
	res := plugin.RunCommand(ctx, plugin.CommandSpec{
		Args:    []string{p.opts.Interpreter, "--version"},
		Dir:     workdir,
		Timeout: p.opts.VersionTimeout,
	})
	if !res.Success {
		return "Unknown"
	}
	// python 2 and early 3 print the version to stderr
	version := strings.TrimSpace(res.Stdout)
	if version == "" {
		version = strings.TrimSpace(res.Stderr)
	}
	if version == "" {
		return "Unknown"
	}
	return version
}

func hasRequirements(workdir string, files []string) bool {
	listed := false
	for _, f := range files {
		if path.Clean(filepath.ToSlash(f)) == requirementsFile {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}
	st, err := os.Stat(filepath.Join(workdir, requirementsFile))
	return err == nil && !st.IsDir()
}
