package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	appErr "acarunner/pkg/errors"

	"github.com/google/shlex"
)

const (
	defaultOutputLimit = 1 << 20
	waitDelay          = 2 * time.Second
)

// CommandSpec describes one subprocess invocation.
type CommandSpec struct {
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// OutputLimit caps each captured stream in bytes; zero means 1 MiB.
	OutputLimit int
}

// CommandResult captures a finished subprocess.
type CommandResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// RunCommand runs spec.Args and blocks until it exits or the timeout fires.
// On timeout the whole process group is killed.
func RunCommand(ctx context.Context, spec CommandSpec) CommandResult {
	if len(spec.Args) == 0 {
		return CommandResult{ExitCode: -1, Stderr: "Command execution failed: empty command"}
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := spec.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return CommandResult{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("Command execution failed: %v", err),
			Duration: time.Since(start),
		}
	}
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return CommandResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("Command timed out after %s seconds", FormatSeconds(timeout)),
			TimedOut: true,
			Duration: elapsed,
		}
	}

	if errors.Is(runCtx.Err(), context.Canceled) {
		return CommandResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   "Command execution cancelled",
			Duration: elapsed,
		}
	}

	code := exitCode(waitErr, cmd.ProcessState)
	res := CommandResult{
		Success:  waitErr == nil && code == 0,
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}
	if waitErr != nil && cmd.ProcessState == nil {
		res.Stderr = fmt.Sprintf("Command execution failed: %v", waitErr)
	}
	return res
}

func exitCode(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ExpandCommand replaces {name} placeholders in tpl and splits the result
// with shell quoting rules. Values are quoted so paths with spaces survive.
func ExpandCommand(tpl string, vars map[string]string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names)*2)
	for _, name := range names {
		pairs = append(pairs, "{"+name+"}", shellQuote(vars[name]))
	}
	expanded := strings.NewReplacer(pairs...).Replace(tpl)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// FormatSeconds renders d in seconds without trailing zeros.
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.limit - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
