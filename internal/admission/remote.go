package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/session-broker/internal/callbackretry"
)

// RemoteReleaser delivers release notifications to an admission queue
// served by another process, via POST /api/session-closed.
type RemoteReleaser struct {
	baseURL string
	client  *http.Client
	policy  callbackretry.Policy
}

// NewRemoteReleaser creates a releaser targeting the broker at baseURL.
func NewRemoteReleaser(baseURL string, timeout time.Duration) *RemoteReleaser {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteReleaser{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		policy:  callbackretry.DefaultPolicy(),
	}
}

// ReleaseSession posts the release notification, retrying transport errors
// and 5xx answers. Releasing is idempotent on the receiving side.
func (r *RemoteReleaser) ReleaseSession(ctx context.Context, sessionID string) error {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return fmt.Errorf("marshal release: %w", err)
	}
	return callbackretry.Do(ctx, r.policy, "release "+sessionID, func(ctx context.Context) error {
		return r.post(ctx, body)
	})
}

func (r *RemoteReleaser) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/session-closed", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create release request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send release: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return callbackretry.Permanent(fmt.Errorf("release returned status %d", resp.StatusCode))
	default:
		return fmt.Errorf("release returned status %d", resp.StatusCode)
	}
	return nil
}
