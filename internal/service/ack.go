package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

// PushPacket reconciles one packet in a single transaction and returns the
// acknowledgement for it. The returned error is non-nil exactly when the ack
// is FAILED and tells the caller why; the ack itself is always usable.
func (s *Service) PushPacket(ctx context.Context, packet domain.SyncPacket) (domain.SyncAck, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return s.fail(ctx, packet, ErrUnauthenticated), ErrUnauthenticated
	}
	if err := domain.ValidatePacket(packet, s.maxEntities); err != nil {
		return s.fail(ctx, packet, err), err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		err = fmt.Errorf("begin transaction: %w", err)
		return s.fail(ctx, packet, err), err
	}
	defer func() { _ = tx.Rollback() }()

	terminal, err := s.resolveTerminal(ctx, tx, packet, actor)
	if err != nil {
		return s.fail(ctx, packet, err), err
	}

	res, err := s.reconcile(ctx, tx, *terminal, packet)
	if err != nil {
		return s.fail(ctx, packet, err), err
	}
	if err := tx.Commit(); err != nil {
		err = fmt.Errorf("commit: %w", err)
		return s.fail(ctx, packet, err), err
	}

	ack := domain.SyncAck{
		PacketID:    packet.ID,
		Status:      domain.SyncSuccess,
		ProcessedAt: s.now(),
	}
	if len(res.skipped) > 0 {
		ack.Status = domain.SyncPartial
		ack.Errors = res.skipped
	}

	s.emit(ctx, ack, fmt.Sprintf("packet %s from %s (%s): %s applied=%d duplicate=%d skipped=%d",
		packet.ID, terminal.ID, terminal.Name, ack.Status, res.applied, res.duplicate, len(res.skipped)))
	s.logger.Info("sync packet processed",
		zap.String("packet_id", packet.ID),
		zap.String("terminal_id", terminal.ID),
		zap.String("organization_id", terminal.OrganizationID),
		zap.String("status", string(ack.Status)),
		zap.Int("applied", res.applied),
		zap.Int("duplicate", res.duplicate),
		zap.Int("skipped", len(res.skipped)),
	)
	return ack, nil
}

// fail builds the FAILED ack for a packet that was rejected as a whole.
func (s *Service) fail(ctx context.Context, packet domain.SyncPacket, err error) domain.SyncAck {
	entry := failureEntry(packet, err)
	ack := domain.SyncAck{
		PacketID:    packet.ID,
		Status:      domain.SyncFailed,
		ProcessedAt: s.now(),
		Errors:      []domain.SyncError{entry},
	}

	s.emit(ctx, ack, fmt.Sprintf("packet %s from %s: FAILED %s", packet.ID, packet.TerminalID, entry.Message))
	s.logger.Warn("sync packet rejected",
		zap.String("packet_id", packet.ID),
		zap.String("terminal_id", packet.TerminalID),
		zap.Error(err),
	)
	return ack
}

func failureEntry(packet domain.SyncPacket, err error) domain.SyncError {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, ErrTerminalNotRecognized):
		return domain.SyncError{EntityType: domain.EntityPacket, EntityID: packet.ID, Message: MsgTerminalNotRecognized}
	case errors.Is(err, ErrOrganizationMismatch):
		return domain.SyncError{EntityType: domain.EntityTerminal, EntityID: packet.TerminalID, Message: MsgOrganizationMismatch}
	case errors.As(err, &verr):
		return domain.SyncError{EntityType: verr.EntityType, EntityID: verr.EntityID, Message: verr.Message}
	default:
		return domain.SyncError{EntityType: domain.EntityPacket, EntityID: packet.ID, Message: err.Error()}
	}
}

func (s *Service) emit(ctx context.Context, ack domain.SyncAck, line string) {
	if ack.Status == domain.SyncPartial {
		reasons := make([]string, 0, len(ack.Errors))
		for _, e := range ack.Errors {
			reasons = append(reasons, fmt.Sprintf("%s %s: %s", e.EntityType, e.EntityID, e.Message))
		}
		line += " [" + strings.Join(reasons, "; ") + "]"
	}
	s.log.Append(ctx, line)
}
