package shell

import (
	"context"
	"strings"
	"testing"
)

func TestExecRunCapturesOutput(t *testing.T) {
	e := New(nil)
	res, err := e.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("expected stdout %q, got %q", "hello", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestExecRunNonZeroExit(t *testing.T) {
	e := New(nil)
	_, err := e.Run(context.Background(), "sh", "-c", "exit 3")
	if err == nil {
		t.Fatal("expected an error for a non-zero exit")
	}
}

func TestFakeRunRecordsCallsAndSeededResults(t *testing.T) {
	f := NewFake()
	f.Seed(FakeResult{Result: Result{Stdout: "tid=1042"}}, "ip", "route", "show", "table", "1042")

	res, err := f.Run(context.Background(), "ip", "route", "show", "table", "1042")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "tid=1042" {
		t.Errorf("expected seeded stdout, got %q", res.Stdout)
	}
	if len(f.Calls) != 1 || f.Calls[0].Name != "ip" {
		t.Errorf("expected one recorded call to ip, got %+v", f.Calls)
	}

	unseeded, err := f.Run(context.Background(), "ip", "rule", "add", "priority", "10042")
	if err != nil || unseeded.ExitCode != 0 {
		t.Errorf("expected a permissive zero-value result for unseeded calls, got %+v, %v", unseeded, err)
	}
}
