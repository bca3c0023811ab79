// Package auth carries the authenticated caller through a request and checks
// it against the account an operation acts for.
package auth

import (
	"context"

	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
)

const (
	// RoleIntake marks callers allowed to submit deposit notifications.
	RoleIntake = "intake"
	// RoleAdmin marks operators allowed to read the request audit trail.
	RoleAdmin = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Subject != ""
}

// Authorizer decides whether the caller in ctx may act as account.
type Authorizer interface {
	Require(ctx context.Context, account string) error
}

// ContextAuthorizer requires the principal in ctx to be exactly account.
type ContextAuthorizer struct{}

func (ContextAuthorizer) Require(ctx context.Context, account string) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return svcerrors.Unauthorized("missing authority of %s", account)
	}
	if p.Subject != account {
		return svcerrors.Unauthorized("missing authority of %s", account)
	}
	return nil
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, account string) error

func (f AuthorizerFunc) Require(ctx context.Context, account string) error { return f(ctx, account) }

// AllowAll grants every request. Internal callers such as the chain watcher
// use it for operations whose authority was established elsewhere.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, string) error { return nil })
