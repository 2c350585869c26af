package coordinator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/workspace/session-broker/internal/blobstore"
	"github.com/workspace/session-broker/internal/protocol"
	"github.com/workspace/session-broker/internal/provision"
)

var errBroken = errors.New("broken pipe")

// fakeConn records what the coordinator writes. failAfter > 0 makes every
// write after the first failAfter messages fail.
type fakeConn struct {
	mu         sync.Mutex
	messages   [][]byte
	closeCodes []int
	pings      int
	closed     bool
	failAfter  int
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.messages) >= f.failAfter {
		return errBroken
	}
	f.messages = append(f.messages, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.PingMessage {
		f.pings++
		return nil
	}
	if len(data) >= 2 {
		f.closeCodes = append(f.closeCodes, int(binary.BigEndian.Uint16(data)))
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.messages))
	for _, m := range f.messages {
		env, err := protocol.Decode(m)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) raw() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.messages...)
}

func (f *fakeConn) types(t *testing.T) []protocol.MessageType {
	var out []protocol.MessageType
	for _, env := range f.envelopes(t) {
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeConn) count(t *testing.T, typ protocol.MessageType) int {
	n := 0
	for _, got := range f.types(t) {
		if got == typ {
			n++
		}
	}
	return n
}

func (f *fakeConn) codes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeProvisioner starts instantly unless startGate is set, in which case
// Start blocks until the gate is closed and then succeeds regardless of its
// context. stopDelay slows down Stop.
type fakeProvisioner struct {
	starts    atomic.Int32
	stops     atomic.Int32
	startErr  error
	startGate chan struct{}
	stopDelay time.Duration

	mu       sync.Mutex
	requests []provision.StartRequest
	hooks    provision.Hooks
}

func (p *fakeProvisioner) Start(_ context.Context, req provision.StartRequest, hooks provision.Hooks) error {
	p.starts.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.hooks = hooks
	p.mu.Unlock()
	if p.startGate != nil {
		<-p.startGate
	}
	if p.startErr != nil {
		return p.startErr
	}
	hooks.OnStarted()
	return nil
}

func (p *fakeProvisioner) Stop(context.Context, string) error {
	time.Sleep(p.stopDelay)
	p.stops.Add(1)
	return nil
}

func (p *fakeProvisioner) lastRequest() provision.StartRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func (p *fakeProvisioner) lastHooks() provision.Hooks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hooks
}

type fakeReleaser struct {
	calls atomic.Int32
	err   error
}

func (r *fakeReleaser) ReleaseSession(context.Context, string) error {
	r.calls.Add(1)
	return r.err
}

// flakyStore wraps a MemoryStore and fails reads or writes on demand.
type flakyStore struct {
	*blobstore.MemoryStore
	failGet  atomic.Bool
	failPut  atomic.Bool
	getDelay atomic.Int64 // nanoseconds
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: blobstore.NewMemoryStore()}
}

func (s *flakyStore) Get(ctx context.Context, key string) (string, error) {
	time.Sleep(time.Duration(s.getDelay.Load()))
	if s.failGet.Load() {
		return "", errors.New("store unavailable")
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) Put(ctx context.Context, key, content string) error {
	if s.failPut.Load() {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.Put(ctx, key, content)
}

func (s *flakyStore) content(t *testing.T, key string) string {
	t.Helper()
	v, err := s.MemoryStore.Get(context.Background(), key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return ""
	}
	require.NoError(t, err)
	return v
}

type harness struct {
	c        *Coordinator
	prov     *fakeProvisioner
	releaser *fakeReleaser
	store    *flakyStore
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		prov:     &fakeProvisioner{},
		releaser: &fakeReleaser{},
		store:    newFlakyStore(),
	}
	cfg := Config{
		SessionID:     "s1",
		Provisioner:   h.prov,
		Store:         h.store,
		Releaser:      h.releaser,
		CallbackURL:   "http://broker.test",
		DefaultBranch: "public",
		FlushInterval: time.Hour,
		BlobTimeout:   time.Second,
		SendBuffer:    32,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.c = New(cfg)
	h.c.Start()
	t.Cleanup(h.c.Stop)
	return h
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	st, err := h.c.State(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.c.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func agentFrame(t *testing.T, typ protocol.MessageType, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	return data
}

func decodeLines(t *testing.T, env protocol.Envelope) []string {
	t.Helper()
	var lines []string
	require.NoError(t, json.Unmarshal(env.Payload, &lines))
	return lines
}

func decodeString(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(env.Payload, &s))
	return s
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
