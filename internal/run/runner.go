// Package run provides command execution for the orchestration core.
//
// Every component that drives an external tool (virsh, virt-install, ip,
// lspci, sysfs reads and writes) does so through the Runner interface, so
// the same code operates on the local host or on a remote hypervisor over
// SSH. Commands are full shell lines because several operations need
// redirection or pipes (sysfs writes, mdev creation).
//
// Error model:
//   - *NotAvailableError: the tool or host cannot be reached at all
//     (binary missing, SSH session failure). Fatal, never retried here.
//   - *CommandError: the command ran but exited with a code outside the
//     caller's accepted set. Carries the command line and captured output.
//   - Context timeouts surface as wrapped context errors.
package run

import (
	"context"
)

// Result holds the captured output of a finished command.
type Result struct {
	Stdout string
	Stderr string
	Code   int
}

// Combined returns stdout and stderr concatenated, for error reporting
// and for parsers that do not care which stream a tool wrote to.
func (r Result) Combined() string {
	return r.Stdout + r.Stderr
}

// Runner executes a shell command line and returns its captured output.
//
// codes lists the accepted exit codes; empty means {0}. A run that exits
// with any other code returns the Result alongside a *CommandError, so
// callers can still inspect partial output. Deadlines come from ctx.
type Runner interface {
	Run(ctx context.Context, line string, codes ...int) (Result, error)
}

func codeAccepted(code int, codes []int) bool {
	if len(codes) == 0 {
		return code == 0
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
