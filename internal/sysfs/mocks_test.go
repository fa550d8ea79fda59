package sysfs

import (
	"context"
	"sync"

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
