package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
)

// RegisterTerminal provisions a terminal for the caller's organization. A
// device that registered before gets its existing terminal back.
func (s *Service) RegisterTerminal(ctx context.Context, req domain.TerminalRegisterRequest) (domain.TerminalRegisterResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.TerminalRegisterResponse{}, ErrUnauthenticated
	}
	if actor.IsSuperAdmin() {
		return domain.TerminalRegisterResponse{}, fmt.Errorf("%w: super admin cannot register terminals", ErrForbidden)
	}

	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID == "" {
		orgID = actor.OrganizationID
	}
	if orgID == "" {
		return domain.TerminalRegisterResponse{}, fmt.Errorf("%w: organization_id is required", store.ErrInvalid)
	}
	if orgID != actor.OrganizationID {
		return domain.TerminalRegisterResponse{}, fmt.Errorf("%w: organization mismatch", ErrForbidden)
	}
	deviceID := strings.TrimSpace(req.DeviceID)

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return domain.TerminalRegisterResponse{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.GetOrganization(ctx, orgID); err != nil {
		return domain.TerminalRegisterResponse{}, fmt.Errorf("organization %s: %w", orgID, err)
	}
	if err := tx.LockOrganization(ctx, orgID); err != nil {
		return domain.TerminalRegisterResponse{}, err
	}

	if deviceID != "" {
		existing, err := tx.FindTerminalByDevice(ctx, orgID, deviceID)
		if err == nil {
			return domain.TerminalRegisterResponse{
				TerminalID:     existing.ID,
				TerminalNumber: existing.Number,
				Name:           existing.Name,
			}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.TerminalRegisterResponse{}, err
		}
	}

	count, err := tx.CountTerminals(ctx, orgID)
	if err != nil {
		return domain.TerminalRegisterResponse{}, err
	}
	terminal := domain.Terminal{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Number:         count + 1,
		Name:           domain.DefaultTerminalName(count + 1),
		DeviceID:       deviceID,
		CreatedAt:      s.now(),
	}
	if err := tx.CreateTerminal(ctx, terminal); err != nil {
		return domain.TerminalRegisterResponse{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TerminalRegisterResponse{}, err
	}

	s.log.Append(ctx, fmt.Sprintf("terminal %s registered as %s by %s", terminal.ID, terminal.Name, actor.Username))
	s.logger.Info("terminal registered",
		zap.String("terminal_id", terminal.ID),
		zap.String("organization_id", orgID),
		zap.Int("terminal_number", terminal.Number),
		zap.String("actor", actor.Username),
	)

	return domain.TerminalRegisterResponse{
		TerminalID:     terminal.ID,
		TerminalNumber: terminal.Number,
		Name:           terminal.Name,
	}, nil
}

// ListTerminals returns an organization's terminals ordered by number.
// Only super admins may list another organization.
func (s *Service) ListTerminals(ctx context.Context, organizationID string) (domain.TerminalListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.TerminalListResponse{}, ErrUnauthenticated
	}

	orgID := strings.TrimSpace(organizationID)
	if orgID == "" {
		orgID = actor.OrganizationID
	}
	if orgID == "" {
		return domain.TerminalListResponse{}, fmt.Errorf("%w: organization_id is required", store.ErrInvalid)
	}
	if !actor.IsSuperAdmin() && orgID != actor.OrganizationID {
		return domain.TerminalListResponse{}, fmt.Errorf("%w: organization mismatch", ErrForbidden)
	}

	terminals, err := s.repo.ListTerminals(ctx, orgID)
	if err != nil {
		return domain.TerminalListResponse{}, err
	}
	return domain.TerminalListResponse{Terminals: terminals}, nil
}
