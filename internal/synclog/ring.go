// Package synclog keeps the rolling diagnostic log of the sync server.
package synclog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/cache"
)

const (
	DefaultCapacity = 200
	MaxRecent       = 50
)

// Ring is a fixed-capacity buffer of timestamped lines. Once full, each
// append evicts the oldest line. Every line is also forwarded to the sink.
type Ring struct {
	mu     sync.Mutex
	lines  []string
	next   int
	full   bool
	sink   cache.LogSink
	logger *zap.Logger
	now    func() time.Time
}

func New(capacity int, sink cache.LogSink, logger *zap.Logger) *Ring {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if sink == nil {
		sink = cache.NoopLogSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ring{
		lines:  make([]string, capacity),
		sink:   sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append stamps msg with the current time and stores it. Sink failures are
// logged and otherwise ignored.
func (r *Ring) Append(ctx context.Context, msg string) string {
	line := fmt.Sprintf("[%s] %s", r.now().Format(time.RFC3339), msg)

	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	if err := r.sink.Write(ctx, line); err != nil {
		r.logger.Warn("sync log sink write failed", zap.Error(err))
	}
	return line
}

// Restore refills an empty ring from src, so lines written before a restart
// stay visible. Restored lines are not written back to the sink.
func (r *Ring) Restore(ctx context.Context, src cache.LogSource) (int, error) {
	r.mu.Lock()
	size := len(r.lines)
	empty := !r.full && r.next == 0
	r.mu.Unlock()
	if !empty {
		return 0, nil
	}

	lines, err := src.Recent(ctx, size)
	if err != nil {
		return 0, fmt.Errorf("restore sync log: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full || r.next != 0 {
		return 0, nil
	}
	if len(lines) > size {
		lines = lines[:size]
	}
	for i := len(lines) - 1; i >= 0; i-- {
		r.lines[r.next] = lines[i]
		r.next = (r.next + 1) % size
		if r.next == 0 {
			r.full = true
		}
	}
	return len(lines), nil
}

// Recent returns up to n lines, newest first. n is capped at MaxRecent.
func (r *Ring) Recent(n int) []string {
	if n < 1 || n > MaxRecent {
		n = MaxRecent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.lines)
	}
	if n > size {
		n = size
	}

	out := make([]string, 0, n)
	idx := r.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + len(r.lines)) % len(r.lines)
		out = append(out, r.lines[idx])
	}
	return out
}

// Len reports how many lines are held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}
