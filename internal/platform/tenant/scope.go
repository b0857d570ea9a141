// Package tenant carries the active laboratory through a request. Every
// tenant-scoped data access takes a Scope; a Scope can only be built from a
// resolved tenant, so a missing or forged tenant never reaches the store.
package tenant

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperr"
)

// Scope identifies the tenant every read and write is filtered by.
type Scope struct {
	id    uuid.UUID
	code  string
	actor string
}

// NewScope builds a Scope. The zero tenant id and an empty code are refused.
func NewScope(id uuid.UUID, code, actor string) (Scope, error) {
	if id == uuid.Nil || code == "" {
		return Scope{}, apperr.Configuration("tenant scope requires a tenant id and code")
	}
	return Scope{id: id, code: code, actor: actor}, nil
}

func (s Scope) TenantID() uuid.UUID { return s.id }
func (s Scope) Code() string        { return s.code }

// Actor is the authenticated user acting in this scope, or "system".
func (s Scope) Actor() string {
	if s.actor == "" {
		return "system"
	}
	return s.actor
}

// Valid reports whether the scope was built by NewScope.
func (s Scope) Valid() bool { return s.id != uuid.Nil }

// WithActor returns a copy of s acting as actor.
func (s Scope) WithActor(actor string) Scope {
	s.actor = actor
	return s
}

type scopeKey struct{}

// WithScope stores scope in ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope stored in ctx, if any.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok && s.Valid()
}

// Require returns the scope stored in ctx or a ConfigurationError.
func Require(ctx context.Context) (Scope, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return Scope{}, apperr.Configuration("no tenant in context")
	}
	return s, nil
}

// Admin is a platform-level escalation for the few operations that act
// across tenants: onboarding, deactivation and background sweeps. It is
// never derived from request input.
type Admin struct {
	actor  string
	reason string
}

// Escalate grants an Admin for actor. A reason is mandatory and is logged.
func Escalate(logger zerolog.Logger, actor, reason string) (Admin, error) {
	if actor == "" || reason == "" {
		return Admin{}, apperr.Configuration("platform escalation requires an actor and a reason")
	}
	logger.Warn().
		Str("actor", actor).
		Str("reason", reason).
		Msg("platform admin escalation")
	return Admin{actor: actor, reason: reason}, nil
}

func (a Admin) Actor() string  { return a.actor }
func (a Admin) Reason() string { return a.reason }
func (a Admin) Valid() bool    { return a.actor != "" && a.reason != "" }
