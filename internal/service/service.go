package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/store"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/synclog"
)

var (
	ErrUnauthenticated       = errors.New("authentication required")
	ErrForbidden             = errors.New("forbidden")
	ErrTerminalNotRecognized = errors.New("terminal not recognized")
	ErrOrganizationMismatch  = errors.New("terminal belongs to a different organization")
)

// Messages reported to terminals inside acknowledgements.
const (
	MsgTerminalNotRecognized = domain.MsgTerminalNotRecognized
	MsgOrganizationMismatch  = "Security error: terminal belongs to a different organization"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo        store.Repository
	log         *synclog.Ring
	logger      *zap.Logger
	maxEntities int
	now         func() time.Time
}

func New(repo store.Repository, ring *synclog.Ring, logger *zap.Logger, maxPacketEntities int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ring == nil {
		ring = synclog.New(synclog.DefaultCapacity, nil, logger)
	}
	if maxPacketEntities < 1 {
		maxPacketEntities = domain.DefaultMaxPacketEntities
	}

	return &Service{
		repo:        repo,
		log:         ring,
		logger:      logger,
		maxEntities: maxPacketEntities,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SyncLogs returns the most recent diagnostic lines, newest first.
func (s *Service) SyncLogs(limit int) []string {
	return s.log.Recent(limit)
}
