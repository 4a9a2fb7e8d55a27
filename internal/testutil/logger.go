package testutil

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// quietAfterCleanup drops log lines once the test has finished, since
// connection and timer goroutines may still be winding down.
type quietAfterCleanup struct {
	testing.TB
	mu   sync.RWMutex
	done bool
}

func (q *quietAfterCleanup) Log(args ...any) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.done {
		q.TB.Log(args...)
	}
}

func (q *quietAfterCleanup) Logf(format string, args ...any) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.done {
		q.TB.Logf(format, args...)
	}
}

// TestLogger returns a logger that writes through t.Log so output is only
// shown for failing or verbose tests.
func TestLogger(t testing.TB) zerolog.Logger {
	q := &quietAfterCleanup{TB: t}
	t.Cleanup(func() {
		q.mu.Lock()
		q.done = true
		q.mu.Unlock()
	})
	return zerolog.New(zerolog.NewTestWriter(q)).With().Timestamp().Logger()
}
