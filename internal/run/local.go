package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// exit code the shell reports for a missing command
const codeNotFound = 127

// Local runs command lines through the local shell.
type Local struct {
	// Shell overrides the shell binary; empty means /bin/sh.
	Shell string
}

// NewLocal returns a Runner backed by the local /bin/sh.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Run(ctx context.Context, line string, codes ...int) (Result, error) {
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", line)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.Code = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound):
			return res, &NotAvailableError{Tool: shell, Err: err}
		default:
			return res, fmt.Errorf("run %q: %w", line, err)
		}
	}

	// A context deadline kills the child, which then reports a signal
	// exit; surface the timeout rather than the synthetic code.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("command %q: %w", line, ctxErr)
	}

	logrus.WithFields(logrus.Fields{
		"cmd":  line,
		"code": res.Code,
	}).Debug("command finished")

	if res.Code == codeNotFound {
		return res, &NotAvailableError{Tool: firstWord(line)}
	}
	if !codeAccepted(res.Code, codes) {
		return res, &CommandError{Line: line, Stdout: res.Stdout, Stderr: res.Stderr, Code: res.Code}
	}
	return res, nil
}
