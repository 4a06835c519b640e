package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/procmux/internal/journal"
)

// ShortSocketPath returns a socket path short enough for sun_path limits.
func ShortSocketPath(t *testing.T, prefix string) string {
	t.Helper()
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.sock", prefix, time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = os.Remove(path)
		_ = os.Remove(path + ".lock")
	})
	return path
}

// IsUDSUnsupported reports sandbox failures to bind a unix socket.
func IsUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "address family not supported")
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// NewJournal opens a journal in a temp dir, closed at cleanup.
func NewJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "procmux-test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open test journal: %v", err)
	}
	t.Cleanup(func() {
		_ = j.Close()
	})
	return j
}
