package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

const DefaultSyncInterval = 30 * time.Second

// maxFlushRounds bounds how many full packets one Flush sends in a row.
const maxFlushRounds = 50

// ErrPacketRejected is returned by Flush when the server answered FAILED.
var ErrPacketRejected = errors.New("packet rejected by server")

// Pusher sends a packet and returns the acknowledgement.
type Pusher interface {
	Push(ctx context.Context, packet domain.SyncPacket) (domain.SyncAck, error)
}

// FlushResult summarizes one Flush.
type FlushResult struct {
	Packets    int
	Synced     int
	Failed     int
	LastStatus domain.SyncStatus
}

type AgentConfig struct {
	Interval time.Duration
	// InitialBackoff and MaxBackoff bound the retry delay after a failed push.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Agent is the terminal's only sync loop. Local writes only touch the
// store; the agent picks them up on its ticker or when asked through Trigger.
type Agent struct {
	store   *LocalStore
	builder *Builder
	client  Pusher
	logger  *zap.Logger
	cfg     AgentConfig

	// flushMu keeps two flushes from sending the same rows at once.
	flushMu sync.Mutex

	wake      chan struct{}
	pendingMu sync.Mutex
	pending   []Ref
}

func NewAgent(store *LocalStore, builder *Builder, client Pusher, cfg AgentConfig, logger *zap.Logger) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		store:   store,
		builder: builder,
		client:  client,
		logger:  logger,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
	}
}

// Trigger asks for an eager push of refs. It never blocks; triggers that
// arrive before the loop wakes are merged into one push.
func (a *Agent) Trigger(refs ...Ref) {
	a.pendingMu.Lock()
	a.pending = append(a.pending, refs...)
	a.pendingMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) takePending() []Ref {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	refs := a.pending
	a.pending = nil
	return refs
}

// Flush pushes pending records until nothing is left, a packet comes back
// short of the batch size, a push fails, or a PARTIAL ack synced nothing.
func (a *Agent) Flush(ctx context.Context) (FlushResult, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	var total FlushResult
	for round := 0; round < maxFlushRounds; round++ {
		batch, err := a.builder.Build()
		if err != nil {
			return total, err
		}
		if batch == nil {
			return total, nil
		}

		res, err := a.send(ctx, batch)
		total.add(res)
		if err != nil {
			return total, err
		}
		if !batch.Full || !madeProgress(res) {
			return total, nil
		}
	}
	return total, nil
}

// FlushRefs pushes just the named records, if they are still pending.
func (a *Agent) FlushRefs(ctx context.Context, refs []Ref) (FlushResult, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	batch, err := a.builder.BuildFor(refs)
	if err != nil || batch == nil {
		return FlushResult{}, err
	}
	return a.send(ctx, batch)
}

func (a *Agent) send(ctx context.Context, batch *Batch) (FlushResult, error) {
	res := FlushResult{Packets: 1}

	ack, err := a.client.Push(ctx, batch.Packet)
	if err != nil {
		res.Failed = len(batch.Refs)
		if recErr := ApplyTransportError(a.store, batch.Refs, err); recErr != nil {
			a.logger.Error("failed to record sync failure", zap.Error(recErr))
		}
		return res, fmt.Errorf("push packet %s: %w", batch.Packet.ID, err)
	}

	applied, err := Apply(a.store, ack, batch.Refs)
	if err != nil {
		return res, fmt.Errorf("apply ack for %s: %w", batch.Packet.ID, err)
	}
	res.Synced = applied.Synced
	res.Failed = applied.Failed
	res.LastStatus = ack.Status

	fields := []zap.Field{
		zap.String("packet_id", batch.Packet.ID),
		zap.String("status", string(ack.Status)),
		zap.Int("records", len(batch.Refs)),
		zap.Int("synced", applied.Synced),
		zap.Int("failed", applied.Failed),
	}
	switch ack.Status {
	case domain.SyncSuccess:
		a.logger.Info("sync packet acknowledged", fields...)
	case domain.SyncPartial:
		a.logger.Warn("sync packet partially applied", append(fields, zap.Any("errors", ack.Errors))...)
	default:
		if applied.Unrecognized {
			a.logger.Warn("server does not recognize this terminal; next packet carries the organization", fields...)
		}
		return res, fmt.Errorf("%w: %s", ErrPacketRejected, ackSummary(ack))
	}
	return res, nil
}

func madeProgress(res FlushResult) bool {
	switch res.LastStatus {
	case domain.SyncSuccess:
		return true
	case domain.SyncPartial:
		return res.Synced > 0
	}
	return false
}

func (r *FlushResult) add(o FlushResult) {
	r.Packets += o.Packets
	r.Synced += o.Synced
	r.Failed += o.Failed
	if o.LastStatus != "" {
		r.LastStatus = o.LastStatus
	}
}

func (a *Agent) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff
	b.MaxInterval = a.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run flushes on every tick and trigger until ctx is done. After a failed
// push the next attempt waits for the backoff delay instead of the ticker.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	bo := a.newBackOff()
	var retry <-chan time.Time
	var retryTimer *time.Timer
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	cycle := func(refs []Ref) {
		var err error
		if len(refs) > 0 {
			_, err = a.FlushRefs(ctx, refs)
		}
		if err == nil {
			_, err = a.Flush(ctx)
		}
		if err == nil {
			bo.Reset()
			retry = nil
			return
		}
		if ctx.Err() != nil {
			return
		}

		delay := bo.NextBackOff()
		a.logger.Warn("sync failed, backing off", zap.Duration("retry_in", delay), zap.Error(err))
		if retryTimer != nil {
			retryTimer.Stop()
		}
		retryTimer = time.NewTimer(delay)
		retry = retryTimer.C
	}

	a.logger.Info("sync agent started", zap.Duration("interval", a.cfg.Interval))
	cycle(nil)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("sync agent stopped")
			return ctx.Err()
		case <-retry:
			retry = nil
			cycle(a.takePending())
		case <-ticker.C:
			if retry != nil {
				continue
			}
			cycle(a.takePending())
		case <-a.wake:
			if retry != nil {
				continue
			}
			cycle(a.takePending())
		}
	}
}
