// Package shell is the C1 executor: it runs the external commands the
// rest of wgrouterd shells out to (ip, iptables, wg, sysctl, ping),
// capturing stdout/stderr and logging them at DEBUG (success) or WARN
// (non-zero exit) via log/slog. Grounded on the teacher's
// platform/corrorun/exec.go: exec.CommandContext plus slog, generalized
// from one long-running child process to many short-lived ones.
package shell

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"wgrouterd/wgerr"
)

// Result captures everything about a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands. The real implementation shells out
// via os/exec; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Exec is the real Runner, logging every invocation.
type Exec struct {
	Logger *slog.Logger
}

// New returns an Exec logging to logger, or slog.Default() if nil.
func New(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{Logger: logger}
}

// Run executes name with args, returning its captured output. A
// non-zero exit is reported as a wgerr.External error wrapping
// *exec.ExitError, but Result is still populated so callers that want
// to inspect partial output (rare) can.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}

	logger := e.Logger.With("cmd", name, "args", strings.Join(args, " "), "elapsed", elapsed)
	if err != nil {
		logger.Warn("shell command failed", "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		return res, wgerr.Wrap(wgerr.External, "run "+name, err)
	}
	logger.Debug("shell command ok", "stdout", strings.TrimSpace(res.Stdout))
	return res, nil
}

// Fake is an in-memory Runner for tests: it records every invocation
// and replays canned results keyed by the joined command line.
type Fake struct {
	Calls   []FakeCall
	Results map[string]FakeResult
}

// FakeCall records one invocation for assertions.
type FakeCall struct {
	Name string
	Args []string
}

// FakeResult is what Fake.Run returns for a given command line.
type FakeResult struct {
	Result Result
	Err    error
}

// NewFake returns an empty Fake ready for use.
func NewFake() *Fake {
	return &Fake{Results: make(map[string]FakeResult)}
}

// Key returns the lookup key Fake uses for name+args — exported so
// tests can pre-seed Results without duplicating the join logic.
func Key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

// Run implements Runner, recording the call and returning the seeded
// result for Key(name, args...), or a zero Result/nil error if none was
// seeded (a permissive default so unseeded idempotent commands don't
// need explicit stubbing in every test).
func (f *Fake) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.Calls = append(f.Calls, FakeCall{Name: name, Args: args})
	if r, ok := f.Results[Key(name, args...)]; ok {
		return r.Result, r.Err
	}
	return Result{}, nil
}

// Seed registers the result Fake.Run returns for the given command line.
func (f *Fake) Seed(result FakeResult, name string, args ...string) {
	f.Results[Key(name, args...)] = result
}
