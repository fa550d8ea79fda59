package run

import (
	"fmt"
	"strings"
)

// NotAvailableError reports a tool or host that cannot be reached:
// the binary is missing (shell exit code 127) or the transport failed.
type NotAvailableError struct {
	Tool string
	Err  error
}

func (e *NotAvailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s not available: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s not available", e.Tool)
}

func (e *NotAvailableError) Unwrap() error {
	return e.Err
}

// CommandError reports a command that ran to completion but exited with
// a code the caller did not accept.
type CommandError struct {
	Line   string
	Stdout string
	Stderr string
	Code   int
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Stderr)
	if out == "" {
		out = strings.TrimSpace(e.Stdout)
	}
	if out == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Line, e.Code)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Line, e.Code, out)
}

// firstWord extracts the tool name from a shell line for error reporting.
func firstWord(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line
	}
	return fields[0]
}
