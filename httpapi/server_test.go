package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/executor"
	"github.com/isdmx/pysandbox/model"
	"github.com/isdmx/pysandbox/pool"
	"github.com/isdmx/pysandbox/sandbox"
)

type mockExecutor struct {
	runResult    model.ExecutionResult
	submitResult model.SubmissionResult
	err          error
	lastRun      model.ExecutionRequest
	lastSubmit   model.SubmissionRequest
}

func (m *mockExecutor) RunOnce(_ context.Context, req model.ExecutionRequest) (model.ExecutionResult, error) {
	m.lastRun = req
	return m.runResult, m.err
}

func (m *mockExecutor) EvaluateSubmission(_ context.Context, req model.SubmissionRequest) (model.SubmissionResult, error) {
	m.lastSubmit = req
	return m.submitResult, m.err
}

func (m *mockExecutor) PoolStats() pool.Stats {
	return pool.Stats{Kinds: map[sandbox.Kind]pool.KindStats{sandbox.KindCPU: {Floor: 10, Total: 10, Idle: 10}}}
}

func newTestServer(t *testing.T, exec *mockExecutor) *Server {
	t.Helper()
	cfg := &config.Config{Server: config.ServerConfig{Transport: "rest", HTTPPort: 8080}}
	return New(cfg, zaptest.NewLogger(t), exec)
}

func do(t *testing.T, s *Server, method, target, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestRunHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		exec := &mockExecutor{runResult: model.ExecutionResult{Stdout: "42", Status: model.StatusSuccess, Artifacts: []string{}}}
		s := newTestServer(t, exec)

		code, body := do(t, s, http.MethodPost, "/api/run", `{"code":"print(42)","stdin":"x"}`)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, model.ExecutionRequest{Code: "print(42)", Stdin: "x"}, exec.lastRun)

		var got model.ExecutionResult
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "42", got.Stdout)
		assert.Equal(t, model.StatusSuccess, got.Status)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		s := newTestServer(t, &mockExecutor{})
		code, body := do(t, s, http.MethodPost, "/api/run", `{"code":`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, string(body), "invalid request body")
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		s := newTestServer(t, &mockExecutor{err: fmt.Errorf("%w: code is required", executor.ErrInvalidRequest)})
		code, body := do(t, s, http.MethodPost, "/api/run", `{"code":""}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, string(body), "code is required")
	})

	t.Run("InfrastructureFailureIsGeneric", func(t *testing.T) {
		s := newTestServer(t, &mockExecutor{err: sandbox.Infra("exec", errors.New("/var/run/docker.sock: connection refused"))})
		code, body := do(t, s, http.MethodPost, "/api/run", `{"code":"pass"}`)
		assert.Equal(t, http.StatusInternalServerError, code)

		var got ErrorResponse
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "execution failed", got.Error)
	})
}

func TestSubmitHandler(t *testing.T) {
	exec := &mockExecutor{submitResult: model.SubmissionResult{Status: model.WrongAnswer, PassedCount: 1, TotalCount: 2}}
	s := newTestServer(t, exec)

	code, body := do(t, s, http.MethodPost, "/api/submit",
		`{"code":"print(input())","testCases":[{"input":"1","expectedOutput":"1"},{"input":"2","expectedOutput":"3"}]}`)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, exec.lastSubmit.TestCases, 2)
	assert.Equal(t, "3", exec.lastSubmit.TestCases[1].ExpectedOutput)

	var got model.SubmissionResult
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, model.WrongAnswer, got.Status)
	assert.Equal(t, 2, got.TotalCount)
}

func TestStatsAndHealth(t *testing.T) {
	s := newTestServer(t, &mockExecutor{})

	code, body := do(t, s, http.MethodGet, "/api/pool/stats", "")
	require.Equal(t, http.StatusOK, code)
	var stats pool.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 10, stats.Kinds[sandbox.KindCPU].Idle)

	code, body = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, &mockExecutor{})
	code, _ := do(t, s, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
}
