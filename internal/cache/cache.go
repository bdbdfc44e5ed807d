package cache

import "context"

// LogSink receives every diagnostic line the sync server emits, for
// consumers outside the process.
type LogSink interface {
	Write(ctx context.Context, line string) error
}

type NoopLogSink struct{}

func (NoopLogSink) Write(_ context.Context, _ string) error {
	return nil
}

// LogSource is a sink that can hand its lines back, newest first.
type LogSource interface {
	Recent(ctx context.Context, limit int) ([]string, error)
}
