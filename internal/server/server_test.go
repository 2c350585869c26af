package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/session-broker/internal/admission"
	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/blobstore"
	"github.com/workspace/session-broker/internal/config"
	"github.com/workspace/session-broker/internal/coordinator"
	"github.com/workspace/session-broker/internal/provision"
)

const testSecret = "test-callback-secret"

// stubProvisioner reports every start as successful and never runs anything.
type stubProvisioner struct {
	starts atomic.Int32
	stops  atomic.Int32

	mu       sync.Mutex
	requests []provision.StartRequest
}

func (p *stubProvisioner) Start(_ context.Context, req provision.StartRequest, hooks provision.Hooks) error {
	p.starts.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if hooks.OnStarted != nil {
		hooks.OnStarted()
	}
	return nil
}

func (p *stubProvisioner) Stop(context.Context, string) error {
	p.stops.Add(1)
	return nil
}

func (p *stubProvisioner) lastRequest() provision.StartRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

// stubValidator accepts exactly one token value.
type stubValidator struct {
	token string
}

func (v stubValidator) Validate(token, sessionID string) (*auth.Claims, error) {
	if token != v.token {
		return nil, errors.New("invalid token")
	}
	return &auth.Claims{Session: sessionID}, nil
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	cfg      *config.Config
	registry *coordinator.Registry
	store    *blobstore.MemoryStore
	queue    *admission.Queue
	signer   *auth.CallbackSigner
	prov     *stubProvisioner
}

type envOptions struct {
	capacity  int
	noQueue   bool
	secret    string
	validator TokenValidator
	mutate    func(*config.Config)
}

func testConfig() *config.Config {
	return &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		PublicURL:         "http://broker.test",
		AllowedOrigins:    []string{"https://app.example.com", "https://*.preview.example.com"},
		MaxActiveSessions: 1,
		FlushInterval:     time.Hour,
		BlobTimeout:       time.Second,
		DefaultBranch:     "public",
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
		WSSendBuffer:      32,
		WSMaxMessageSize:  1 << 20,
	}
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	cfg := testConfig()
	if opts.capacity > 0 {
		cfg.MaxActiveSessions = opts.capacity
	}
	if opts.mutate != nil {
		opts.mutate(cfg)
	}

	env := &testEnv{
		cfg:    cfg,
		store:  blobstore.NewMemoryStore(),
		prov:   &stubProvisioner{},
		signer: auth.NewCallbackSigner(opts.secret, time.Hour),
	}

	var releaser coordinator.Releaser
	if !opts.noQueue {
		env.queue = admission.New(admission.Config{Capacity: cfg.MaxActiveSessions})
		env.queue.Start()
		t.Cleanup(env.queue.Stop)
		releaser = env.queue
	}

	base := coordinator.Config{
		Provisioner:   env.prov,
		Store:         env.store,
		Releaser:      releaser,
		CallbackURL:   cfg.AgentCallbackURL(),
		DefaultBranch: cfg.DefaultBranch,
		FlushInterval: cfg.FlushInterval,
		BlobTimeout:   cfg.BlobTimeout,
		PingInterval:  cfg.WSPingInterval,
		SendBuffer:    cfg.WSSendBuffer,
	}
	if env.signer.Enabled() {
		base.MintToken = env.signer.Mint
	}
	env.registry = coordinator.NewRegistry(base, time.Minute)

	srv, err := New(cfg, Deps{
		Registry:  env.registry,
		Store:     env.store,
		Queue:     env.queue,
		Signer:    env.signer,
		Validator: opts.validator,
	})
	require.NoError(t, err)
	env.srv = srv

	env.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(env.ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.registry.CloseAll(ctx)
	})
	return env
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) post(t *testing.T, path, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, contentType, strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestNewRequiresRegistryAndStore(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{capacity: 3})

	resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string          `json:"status"`
		Sessions  int             `json:"sessions"`
		Admission admission.Stats `json:"admission"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 0, body.Sessions)
	assert.Equal(t, 3, body.Admission.Capacity)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session_broker_")
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestAdmissionFlow(t *testing.T) {
	env := newTestEnv(t, envOptions{capacity: 1})

	first := env.post(t, "/api/request-session", "application/json", "")
	require.Equal(t, http.StatusOK, first.StatusCode)
	var ready admission.Result
	decodeBody(t, first, &ready)
	assert.Equal(t, admission.StatusReady, ready.Status)
	require.NotEmpty(t, ready.SessionID)

	second := env.post(t, "/api/request-session", "application/json", "")
	require.Equal(t, http.StatusAccepted, second.StatusCode)
	var queued admission.Result
	decodeBody(t, second, &queued)
	assert.Equal(t, admission.StatusQueued, queued.Status)
	assert.Equal(t, 1, queued.Position)
	require.NotEmpty(t, queued.TicketID)

	status := env.get(t, "/api/queue-status?ticketId="+queued.TicketID)
	require.Equal(t, http.StatusOK, status.StatusCode)
	var waiting admission.Result
	decodeBody(t, status, &waiting)
	assert.Equal(t, admission.StatusQueued, waiting.Status)
	assert.Equal(t, 1, waiting.Position)

	closed := env.post(t, "/api/session-closed", "application/json", `{"sessionId":"`+ready.SessionID+`"}`)
	require.Equal(t, http.StatusOK, closed.StatusCode)

	// Releasing twice is harmless.
	again := env.post(t, "/api/session-closed", "application/json", `{"sessionId":"`+ready.SessionID+`"}`)
	require.Equal(t, http.StatusOK, again.StatusCode)

	promoted := env.get(t, "/api/queue-status?ticketId="+queued.TicketID)
	require.Equal(t, http.StatusOK, promoted.StatusCode)
	var admitted admission.Result
	decodeBody(t, promoted, &admitted)
	assert.Equal(t, admission.StatusReady, admitted.Status)
	assert.NotEmpty(t, admitted.SessionID)

	// A READY answer is handed out once.
	gone := env.get(t, "/api/queue-status?ticketId="+queued.TicketID)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestAdmissionValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name   string
		do     func() *http.Response
		status int
	}{
		{"missing ticket", func() *http.Response { return env.get(t, "/api/queue-status") }, http.StatusBadRequest},
		{"unknown ticket", func() *http.Response { return env.get(t, "/api/queue-status?ticketId=nope") }, http.StatusNotFound},
		{"invalid body", func() *http.Response {
			return env.post(t, "/api/session-closed", "application/json", "not json")
		}, http.StatusBadRequest},
		{"missing session id", func() *http.Response {
			return env.post(t, "/api/session-closed", "application/json", `{}`)
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.do().StatusCode)
		})
	}
}

func TestAdmissionRoutesAbsentWithoutQueue(t *testing.T) {
	env := newTestEnv(t, envOptions{noQueue: true})

	resp := env.post(t, "/api/request-session", "application/json", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	health := env.get(t, "/health")
	var body map[string]interface{}
	decodeBody(t, health, &body)
	assert.NotContains(t, body, "admission")
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	require.NoError(t, env.store.Put(context.Background(), blobstore.LogKey("s1"), "one\ntwo\n"))

	resp := env.get(t, "/api/history?session=s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	empty := env.get(t, "/api/history?session=unknown")
	require.Equal(t, http.StatusOK, empty.StatusCode)
	data, err = io.ReadAll(empty.Body)
	require.NoError(t, err)
	assert.Empty(t, data)

	missing := env.get(t, "/api/history")
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestSessionSnapshot(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.get(t, "/api/sessions/s1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := env.registry.Get("s1")
	require.NoError(t, err)

	resp = env.get(t, "/api/sessions/s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]interface{}
	decodeBody(t, resp, &snap)
	assert.Equal(t, "s1", snap["sessionId"])
	assert.Equal(t, "NEW", snap["state"])
	assert.Equal(t, false, snap["agentAttached"])
}

func TestCommandValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	assert.Equal(t, http.StatusBadRequest, env.post(t, "/api/command", "text/plain", "say hi").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/api/command?session=s1", "text/plain", "  ").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.post(t, "/api/command?session=s1", "text/plain", "say hi").StatusCode)

	c, err := env.registry.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, env.post(t, "/api/command?session=s1", "text/plain", "say hi").StatusCode)

	require.NoError(t, c.Close(context.Background(), coordinator.ReasonIdle))
	assert.Equal(t, http.StatusGone, env.post(t, "/api/command?session=s1", "text/plain", "say hi").StatusCode)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/history?session=s1", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://pr-12.preview.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://pr-12.preview.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.org")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com", "https://*.preview.example.com"}

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://pr-1.preview.example.com", true},
		{"https://preview.example.com", false},
		{"https://a/b.preview.example.com", false},
		{"http://app.example.com", false},
		{"https://evil.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(tt.origin, allowed))
		})
	}

	assert.True(t, originAllowed("https://anything.test", []string{"*"}))
	assert.False(t, originAllowed("https://anything.test", nil))
}
