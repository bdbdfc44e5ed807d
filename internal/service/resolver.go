package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
)

// resolveTerminal maps the packet's terminal id to a stored terminal,
// recreating it under the client's id when the server lost it and the
// packet names a known organization. The caller's organization must own the
// terminal. Last-seen is updated on every successful resolution.
func (s *Service) resolveTerminal(ctx context.Context, tx store.Tx, packet domain.SyncPacket, actor domain.Actor) (*domain.Terminal, error) {
	terminal, err := tx.GetTerminal(ctx, packet.TerminalID)
	switch {
	case err == nil:
		if err := checkOwnership(actor, terminal.OrganizationID); err != nil {
			return nil, err
		}
	case errors.Is(err, store.ErrNotFound):
		terminal, err = s.recoverTerminal(ctx, tx, packet, actor)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("lookup terminal: %w", err)
	}

	seenAt := s.now()
	if err := tx.TouchTerminal(ctx, terminal.ID, seenAt); err != nil {
		return nil, fmt.Errorf("touch terminal: %w", err)
	}
	terminal.LastSeenAt = &seenAt
	return terminal, nil
}

func (s *Service) recoverTerminal(ctx context.Context, tx store.Tx, packet domain.SyncPacket, actor domain.Actor) (*domain.Terminal, error) {
	orgID := strings.TrimSpace(packet.OrganizationID)
	if orgID == "" {
		return nil, ErrTerminalNotRecognized
	}
	if _, err := tx.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTerminalNotRecognized
		}
		return nil, fmt.Errorf("lookup organization: %w", err)
	}
	if err := checkOwnership(actor, orgID); err != nil {
		return nil, err
	}

	if err := tx.LockOrganization(ctx, orgID); err != nil {
		return nil, fmt.Errorf("lock organization: %w", err)
	}
	count, err := tx.CountTerminals(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("count terminals: %w", err)
	}

	number := count + 1
	name := strings.TrimSpace(packet.TerminalName)
	if name == "" {
		name = domain.DefaultTerminalName(number)
	}
	now := s.now()
	terminal := domain.Terminal{
		ID:             packet.TerminalID,
		OrganizationID: orgID,
		Number:         number,
		Name:           name,
		RecoveredAt:    &now,
		CreatedAt:      now,
	}
	if err := tx.CreateTerminal(ctx, terminal); err != nil {
		return nil, fmt.Errorf("recreate terminal: %w", err)
	}

	s.logger.Info("terminal recovered from sync packet",
		zap.String("terminal_id", terminal.ID),
		zap.String("organization_id", orgID),
		zap.Int("terminal_number", number),
	)
	return &terminal, nil
}

// checkOwnership rejects callers bound to an organization other than orgID.
// Callers without an organization (super admins) pass.
func checkOwnership(actor domain.Actor, orgID string) error {
	if actor.OrganizationID == "" {
		return nil
	}
	if actor.OrganizationID != orgID {
		return ErrOrganizationMismatch
	}
	return nil
}
