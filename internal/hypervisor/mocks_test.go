package hypervisor

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"github.com/jbweber/anvil/internal/run"
)

// mockRunner is a mock implementation of run.Runner for testing.
type mockRunner struct {
	mu sync.Mutex

	// Configurable behavior
	runFunc func(ctx context.Context, line string, codes ...int) (run.Result, error)

	// Call tracking
	calls []string
}

func (m *mockRunner) Run(ctx context.Context, line string, codes ...int) (run.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, line)
	f := m.runFunc
	m.mu.Unlock()

	if f == nil {
		return run.Result{}, nil
	}
	return f(ctx, line, codes...)
}

func (m *mockRunner) callLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockRunner) countCalls(prefix string) int {
	n := 0
	for _, line := range m.callLines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// newScripted returns a Hypervisor whose runner answers each command
// line through script.
func newScripted(script func(line string) (run.Result, error)) (*mockRunner, *Hypervisor) {
	m := &mockRunner{}
	if script != nil {
		m.runFunc = func(_ context.Context, line string, _ ...int) (run.Result, error) {
			return script(line)
		}
	}
	return m, New(m)
}

// captureLogs collects log entries emitted during a test.
func captureLogs() (*logrustest.Hook, func()) {
	hook := logrustest.NewGlobal()
	old := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	return hook, func() {
		logrus.SetLevel(old)
		hook.Reset()
	}
}

func logsContain(hook *logrustest.Hook, want string) bool {
	for _, entry := range hook.AllEntries() {
		if strings.Contains(entry.Message, want) {
			return true
		}
	}
	return false
}

// Shared virsh fixtures.
const (
	domInfoRunning = `Id:             1
Name:           vm1
State:          running
CPU(s):         2
`

	domInfoShutOff = `Id:             -
Name:           vm1
State:          shut off
CPU(s):         2
`

	emptyVMList = ` Id   Name   State
--------------------

`

	twoVMList = ` Id   Name   State
----------------------------
 1    vm-a   running
 -    vm-b   shut off

`
)

// virtfnListing is the sysfs view of eth1 with three VFs.
const virtfnListing = `total 0
lrwxrwxrwx 1 root root 0 Jan 27 13:53 virtfn0 -> ../0000:18:10.0
lrwxrwxrwx 1 root root 0 Jan 27 13:53 virtfn1 -> ../0000:18:10.1
lrwxrwxrwx 1 root root 0 Jan 27 13:53 virtfn2 -> ../0000:18:10.2
`
