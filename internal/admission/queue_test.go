package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/session-broker/internal/callbackretry"
)

func newTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	var mu sync.Mutex
	n := 0
	q := New(Config{
		Capacity: capacity,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func TestRequestSessionUntilCapacity(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 3)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		res, err := q.RequestSession(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusReady, res.Status)
		require.NotEmpty(t, res.SessionID)
		require.False(t, seen[res.SessionID], "duplicate session id %s", res.SessionID)
		seen[res.SessionID] = true
	}

	res, err := q.RequestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, 1, res.Position)
	assert.NotEmpty(t, res.TicketID)

	res, err = q.RequestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)
}

func TestReleasePromotesHeadTicket(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 1)

	admitted, err := q.RequestSession(ctx)
	require.NoError(t, err)
	first, err := q.RequestSession(ctx)
	require.NoError(t, err)
	second, err := q.RequestSession(ctx)
	require.NoError(t, err)

	require.NoError(t, q.ReleaseSession(ctx, admitted.SessionID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active, "active count must be preserved across promotion")
	assert.Equal(t, 1, stats.Waiting)

	res, err := q.QueryStatus(ctx, first.TicketID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
	assert.NotEqual(t, admitted.SessionID, res.SessionID)

	active, err := q.IsActive(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, active)

	res, err = q.QueryStatus(ctx, second.TicketID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, 1, res.Position, "second ticket moves to the head of the line")
}

func TestQueryStatusSingleConsumption(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 1)

	admitted, _ := q.RequestSession(ctx)
	ticket, _ := q.RequestSession(ctx)
	require.NoError(t, q.ReleaseSession(ctx, admitted.SessionID))

	res, err := q.QueryStatus(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)

	res, err = q.QueryStatus(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)

	res, err = q.QueryStatus(ctx, "never-issued")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestReleaseWithoutWaitersFreesSlot(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 1)

	admitted, _ := q.RequestSession(ctx)
	require.NoError(t, q.ReleaseSession(ctx, admitted.SessionID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Active)

	res, err := q.RequestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 1)

	admitted, _ := q.RequestSession(ctx)
	ticket, _ := q.RequestSession(ctx)

	require.NoError(t, q.ReleaseSession(ctx, "unknown"))
	require.NoError(t, q.ReleaseSession(ctx, admitted.SessionID))
	// A second release of the same id must not promote another ticket.
	require.NoError(t, q.ReleaseSession(ctx, admitted.SessionID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, 1, stats.Resolved)

	res, _ := q.QueryStatus(ctx, ticket.TicketID)
	assert.Equal(t, StatusReady, res.Status)
}

func TestConcurrentRequestsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	q := New(Config{Capacity: 5})
	q.Start()
	defer q.Stop()

	var wg sync.WaitGroup
	results := make(chan Result, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.RequestSession(ctx)
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	ready, queued := 0, 0
	positions := make(map[int]bool)
	for res := range results {
		switch res.Status {
		case StatusReady:
			ready++
		case StatusQueued:
			queued++
			positions[res.Position] = true
		}
	}
	assert.Equal(t, 5, ready)
	assert.Equal(t, 45, queued)
	assert.Len(t, positions, 45, "every ticket gets a distinct position")
}

func TestStoppedQueue(t *testing.T) {
	q := New(Config{Capacity: 1})
	q.Start()
	q.Stop()

	_, err := q.RequestSession(context.Background())
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestRemoteReleaser(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/session-closed", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	r := NewRemoteReleaser(ts.URL+"/", time.Second)
	require.NoError(t, r.ReleaseSession(context.Background(), "s-1"))
	assert.Equal(t, "s-1", got["sessionId"])
}

func TestRemoteReleaserNonOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	r := NewRemoteReleaser(ts.URL, time.Second)
	r.policy = callbackretry.Policy{InitialDelay: time.Millisecond, MaxAttempts: 2}
	err := r.ReleaseSession(context.Background(), "s-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRemoteReleaserRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	r := NewRemoteReleaser(ts.URL, time.Second)
	r.policy = callbackretry.Policy{InitialDelay: time.Millisecond, MaxAttempts: 3}
	require.NoError(t, r.ReleaseSession(context.Background(), "s-1"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoteReleaserDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	r := NewRemoteReleaser(ts.URL, time.Second)
	r.policy = callbackretry.Policy{InitialDelay: time.Millisecond, MaxAttempts: 3}
	require.Error(t, r.ReleaseSession(context.Background(), "s-1"))
	assert.Equal(t, int32(1), calls.Load())
}
