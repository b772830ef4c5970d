package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-runner/internal/auth"
	"github.com/sakif/code-runner/internal/channel"
	"github.com/sakif/code-runner/internal/config"
	"github.com/sakif/code-runner/internal/dispatcher"
	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/executor/mocks"
	"github.com/sakif/code-runner/internal/logging"
	"github.com/sakif/code-runner/internal/protocol"
)

const testSecret = "server-test-secret-0123456789"

// newTestServer runs the whole facade over an in-process channel whose only
// executor is a python mock.
func newTestServer(t *testing.T, withAuth bool) (*httptest.Server, *mocks.MockExecutor, *channel.Controller) {
	t.Helper()
	logger := logging.Discard()

	ctrl := gomock.NewController(t)
	py := mocks.NewMockExecutor(ctrl)
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register(protocol.LanguagePython, py))

	cfg := config.Defaults()
	cfg.Server.DBPath = ":memory:"
	cfg.Channel.Transport = config.TransportInProcess
	if withAuth {
		hash, err := auth.NewKeyHasherForTest(4).Hash("ci-key")
		require.NoError(t, err)
		cfg.Auth.JWTSecret = testSecret
		cfg.Auth.Clients = []config.ClientConfig{{ID: "ci", KeyHash: hash}}
	}
	require.NoError(t, cfg.Validate())

	controller := channel.New(
		&channel.InProcessSpawner{Dispatcher: dispatcher.New(reg, logger), Logger: logger},
		logger,
		channel.WithDefaultTimeout(cfg.Channel.DefaultTimeout),
		channel.WithMaxTimeout(cfg.Channel.MaxTimeout),
	)

	srv, err := New(cfg, controller, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		controller.Terminate()
		srv.db.Close()
	})
	return ts, py, controller
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestExecuteEndToEnd(t *testing.T) {
	ts, py, ctrl := newTestServer(t, false)

	py.EXPECT().Execute(gomock.Any(), "print(2+3)", "").
		Return(&protocol.ExecutionResult{Stdout: "5\n", ElapsedMs: 1}, nil)

	resp := post(t, ts.URL+"/api/execute", "", `{"language":"python","code":"print(2+3)"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "5\n", body["stdout"])
	assert.Equal(t, "succeeded", body["status"])
	assert.Equal(t, channel.StateActive, ctrl.State(), "the channel starts on first use")
}

func TestExecuteUnsupportedLanguageEndToEnd(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	resp := post(t, ts.URL+"/api/execute", "", `{"language":"lua","code":"print(1)"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unsupported_language", body["error"])
	assert.Equal(t, "unsupported language: lua", body["message"])
}

func TestExecuteTimeoutEndToEnd(t *testing.T) {
	ts, py, _ := newTestServer(t, false)

	py.EXPECT().Execute(gomock.Any(), "while True: pass", "").
		DoAndReturn(func(ctx context.Context, _, _ string) (*protocol.ExecutionResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	start := time.Now()
	resp := post(t, ts.URL+"/api/execute", "", `{"language":"python","code":"while True: pass","timeoutMs":50}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "the dispatcher's timer answers before the outer margin")

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "execution_timeout", body["error"])
	assert.Equal(t, "execution timed out after 50ms", body["message"])
}

func TestHealthz(t *testing.T) {
	ts, _, ctrl := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ctrl.Terminate())

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthFlow(t *testing.T) {
	ts, py, _ := newTestServer(t, true)

	resp := post(t, ts.URL+"/api/execute", "", `{"language":"python","code":"print(1)"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, ts.URL+"/auth/token", "", `{"clientId":"ci","apiKey":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, ts.URL+"/auth/token", "", `{"clientId":"ci","apiKey":"ci-key"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, int64(15*60), tok.ExpiresIn)

	py.EXPECT().Execute(gomock.Any(), "print(1)", "").Return(&protocol.ExecutionResult{Stdout: "1\n"}, nil)

	resp = post(t, ts.URL+"/api/execute", tok.AccessToken, `{"language":"python","code":"print(1)"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exec))
	assert.Equal(t, "ci", exec["clientId"])
}

func TestNoTokenRouteWithoutAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	resp := post(t, ts.URL+"/auth/token", "", `{"clientId":"ci","apiKey":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWriteTimeoutCoversLongestRun(t *testing.T) {
	cfg := config.Defaults()
	s := &Server{config: cfg}

	assert.Greater(t, s.writeTimeout(), cfg.Channel.MaxTimeout+cfg.Channel.TimeoutMargin)

	cfg.Channel.MaxTimeout = 0
	assert.Zero(t, s.writeTimeout(), "unbounded runs get no write deadline")
}

type stuckConn struct{}

func (stuckConn) Send(*protocol.Envelope) error { return nil }
func (stuckConn) Close() error                  { return errors.New("worker did not exit") }

type stuckSpawner struct{}

func (stuckSpawner) Spawn(context.Context, channel.Receiver) (channel.Conn, error) {
	return stuckConn{}, nil
}

func TestTerminateChannelLogsCloseError(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	ctrl := channel.New(stuckSpawner{}, logging.Discard())
	require.NoError(t, ctrl.Start(context.Background()))

	s := &Server{ctrl: ctrl, logger: logger}
	s.terminateChannel()

	assert.Equal(t, channel.StateTerminated, ctrl.State())
	assert.Contains(t, logs.String(), "failed to terminate channel")
	assert.Contains(t, logs.String(), "worker did not exit")
}
