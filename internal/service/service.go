package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"caixa/backend/internal/domain"
	"caixa/backend/internal/store"
	"caixa/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ErrForbidden is returned when the actor's role ranks too low.
var ErrForbidden = errors.New("role not allowed")

func requireRole(ctx context.Context, role domain.Role) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.Role.AtLeast(role) {
		return fmt.Errorf("%w: %s role required", ErrForbidden, role)
	}
	return nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}

// Service bundles the POS operations exposed to the HTTP layer.
type Service struct {
	Engine    *Engine
	Quotes    *Quotes
	Carts     *Carts
	Inventory *Inventory
}

func New(repo store.Repository, engine *Engine, quoteValidityDays int) *Service {
	quotes := NewQuotes(repo, engine, quoteValidityDays)
	return &Service{
		Engine:    engine,
		Quotes:    quotes,
		Carts:     NewCarts(repo, engine, quotes),
		Inventory: NewInventory(repo),
	}
}

func logAudit(ctx context.Context, audit store.AuditStore, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system"}
	}
	role := "system"
	if actor.Role != domain.RoleUnknown {
		role = actor.Role.String()
	}

	if err := audit.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("component", "audit").Str("action", action).
			Str("entity", entityType+"/"+entityID).Msg("failed to write audit log")
	}
}
