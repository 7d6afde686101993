// Package principal carries the authenticated caller through a request context.
package principal

import "context"

// Principal is the identity an operation is performed on behalf of.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Admin  bool   `json:"is_admin"`
	// System marks the built-in operator used when authentication is
	// disabled. It passes every ownership check.
	System bool `json:"-"`
}

// System returns the built-in operator principal.
func System() *Principal {
	return &Principal{UserID: "system", Name: "system", Admin: true, System: true}
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying p.
func NewContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored in ctx, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}
