// Package actorcontext carries the caller identity through request and
// scheduler contexts. Administrative ledger and orchestrator operations
// refuse to run without an elevated actor.
package actorcontext

import (
	"context"
	"strings"
)

type ActorRole string

const (
	RoleUser   ActorRole = "user"
	RoleAdmin  ActorRole = "admin"
	RoleSystem ActorRole = "system"
)

type Actor struct {
	ID   string
	Role ActorRole
}

type actorContextKey struct{}

// WithActor stores the caller identity in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the caller identity, if set.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || strings.TrimSpace(actor.ID) == "" {
		return Actor{}, false
	}
	return actor, true
}

// IsElevated reports whether the context carries an admin or system actor.
func IsElevated(ctx context.Context) bool {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return false
	}
	return actor.Role == RoleAdmin || actor.Role == RoleSystem
}
