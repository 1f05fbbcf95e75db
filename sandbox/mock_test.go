package sandbox

import (
	"context"
	"strings"
	"sync"
)

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are keyed
// by the space-joined arguments; every call is recorded.
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]mockResult
	defaultResult  mockResult
	calls          [][]string
	stdins         []string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string, stdin string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, args)
	m.stdins = append(m.stdins, stdin)

	if result, exists := m.commandResults[strings.Join(args, " ")]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) lastCall() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}
