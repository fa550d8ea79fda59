package run

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLocalRun(t *testing.T) {
	ctx := context.Background()
	r := NewLocal()

	res, err := r.Run(ctx, "echo hello")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("expected stdout %q, got %q", "hello\n", res.Stdout)
	}
	if res.Code != 0 {
		t.Errorf("expected code 0, got %d", res.Code)
	}
}

func TestLocalRun_AcceptedNonZeroCode(t *testing.T) {
	ctx := context.Background()
	r := NewLocal()

	res, err := r.Run(ctx, "exit 3", 0, 3)
	if err != nil {
		t.Fatalf("expected no error for accepted code, got: %v", err)
	}
	if res.Code != 3 {
		t.Errorf("expected code 3, got %d", res.Code)
	}
}

func TestLocalRun_UnexpectedCode(t *testing.T) {
	ctx := context.Background()
	r := NewLocal()

	res, err := r.Run(ctx, "echo oops 1>&2; exit 3")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if cmdErr.Code != 3 {
		t.Errorf("expected code 3 in error, got %d", cmdErr.Code)
	}
	if !strings.Contains(cmdErr.Stderr, "oops") {
		t.Errorf("expected stderr to contain 'oops', got %q", cmdErr.Stderr)
	}
	if cmdErr.Line == "" {
		t.Error("expected command line in error")
	}

	// Partial output must still be available on the result.
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("expected result stderr to contain 'oops', got %q", res.Stderr)
	}
}

func TestLocalRun_MissingTool(t *testing.T) {
	ctx := context.Background()
	r := NewLocal()

	_, err := r.Run(ctx, "definitely-not-a-real-tool-0b5e")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var naErr *NotAvailableError
	if !errors.As(err, &naErr) {
		t.Fatalf("expected *NotAvailableError, got %T: %v", err, err)
	}
	if naErr.Tool != "definitely-not-a-real-tool-0b5e" {
		t.Errorf("expected tool name in error, got %q", naErr.Tool)
	}
}

func TestLocalRun_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := NewLocal()

	_, err := r.Run(ctx, "sleep 5")
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got: %v", err)
	}
}

func TestLocalRun_StderrSeparate(t *testing.T) {
	ctx := context.Background()
	r := NewLocal()

	res, err := r.Run(ctx, "echo out; echo err 1>&2")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Stdout != "out\n" {
		t.Errorf("expected stdout %q, got %q", "out\n", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("expected stderr %q, got %q", "err\n", res.Stderr)
	}
	if res.Combined() != "out\nerr\n" {
		t.Errorf("unexpected combined output %q", res.Combined())
	}
}

func TestCodeAccepted(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		codes []int
		want  bool
	}{
		{"default zero", 0, nil, true},
		{"default nonzero", 1, nil, false},
		{"listed", 2, []int{0, 2}, true},
		{"not listed", 1, []int{0, 2}, false},
		{"zero not listed", 0, []int{1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codeAccepted(tt.code, tt.codes); got != tt.want {
				t.Errorf("codeAccepted(%d, %v) = %v, want %v", tt.code, tt.codes, got, tt.want)
			}
		})
	}
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Line: "virsh start vm_1", Stderr: "error: domain not found\n", Code: 1}
	msg := err.Error()
	if !strings.Contains(msg, "virsh start vm_1") {
		t.Errorf("expected command in message, got %q", msg)
	}
	if !strings.Contains(msg, "code 1") {
		t.Errorf("expected code in message, got %q", msg)
	}
	if !strings.Contains(msg, "domain not found") {
		t.Errorf("expected output in message, got %q", msg)
	}
}

func TestNotAvailableErrorMessage(t *testing.T) {
	err := &NotAvailableError{Tool: "virsh"}
	if !strings.Contains(err.Error(), "virsh") {
		t.Errorf("expected tool in message, got %q", err.Error())
	}
}
