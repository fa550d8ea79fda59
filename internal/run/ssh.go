package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// SSH runs command lines on a remote host over an established SSH
// connection. One connection serves many commands; each Run opens its
// own session.
type SSH struct {
	client *ssh.Client
	addr   string
}

// DialSSH connects to addr ("host:port") with the given client config.
// Connection failures are reported as *NotAvailableError since nothing
// on the remote host can be reached.
func DialSSH(addr string, config *ssh.ClientConfig) (*SSH, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, &NotAvailableError{Tool: "ssh " + addr, Err: err}
	}
	return &SSH{client: client, addr: addr}, nil
}

// KeyConfig builds an ssh.ClientConfig from a private key file.
//
// Host keys are not verified: the tool targets lab hypervisors that are
// reinstalled frequently, where pinning would break on every redeploy.
func KeyConfig(user, keyPath string) (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
	}, nil
}

func (s *SSH) Run(ctx context.Context, line string, codes ...int) (Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, &NotAvailableError{Tool: "ssh " + s.addr, Err: err}
	}
	defer func() {
		_ = session.Close()
	}()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Run in a goroutine so the context can interrupt the wait; the
	// remote command itself keeps running, matching the cancellation
	// model of the rest of the core (a cancelled poll stops checking,
	// it does not undo the operation).
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("command %q: %w", line, ctx.Err())
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return res, &NotAvailableError{Tool: "ssh " + s.addr, Err: err}
		}
		res.Code = exitErr.ExitStatus()
	}

	logrus.WithFields(logrus.Fields{
		"cmd":  line,
		"code": res.Code,
		"host": s.addr,
	}).Debug("command finished")

	if res.Code == codeNotFound {
		return res, &NotAvailableError{Tool: firstWord(line)}
	}
	if !codeAccepted(res.Code, codes) {
		return res, &CommandError{Line: line, Stdout: res.Stdout, Stderr: res.Stderr, Code: res.Code}
	}
	return res, nil
}

// Close shuts down the underlying SSH connection.
func (s *SSH) Close() error {
	return s.client.Close()
}
