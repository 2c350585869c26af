package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/workspace/session-broker/internal/blobstore"
)

// logBuffer holds log lines that have not reached the blob store yet, in the
// order they arrived.
type logBuffer struct {
	lines []string
}

func (b *logBuffer) append(lines ...string) {
	b.lines = append(b.lines, lines...)
}

func (b *logBuffer) len() int {
	return len(b.lines)
}

// drain empties the buffer and returns what it held.
func (b *logBuffer) drain() []string {
	out := b.lines
	b.lines = nil
	return out
}

// requeue puts lines back in front of anything appended since they were
// drained.
func (b *logBuffer) requeue(lines []string) {
	b.lines = append(lines, b.lines...)
}

// text renders the buffer the way it will be persisted.
func (b *logBuffer) text() string {
	return joinLines(b.lines)
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// appendLog appends lines to the blob at key with a read-modify-write, since
// the store has no native append.
func appendLog(ctx context.Context, store blobstore.Store, key string, lines []string) error {
	existing, err := readBlob(ctx, store, key)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, key, existing+joinLines(lines)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// readBlob returns the blob at key, or "" if it does not exist.
func readBlob(ctx context.Context, store blobstore.Store, key string) (string, error) {
	content, err := store.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return content, nil
}
