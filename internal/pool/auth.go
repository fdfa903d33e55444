package pool

import (
	"context"
	"strings"
)

// Authorizer decides whether a worker may mine on the pool.
type Authorizer interface {
	Authorize(ctx context.Context, username, password string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, username, password string) (bool, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, username, password string) (bool, error) {
	return f(ctx, username, password)
}

// AcceptAll authorizes every worker.
type AcceptAll struct{}

// Authorize always succeeds.
func (AcceptAll) Authorize(context.Context, string, string) (bool, error) { return true, nil }

// AllowList authorizes workers whose name, or the address part before the
// first '.', is on the list. Matching is case-insensitive.
type AllowList struct {
	allowed map[string]struct{}
}

// NewAllowList returns an AllowList for entries. Blank entries are skipped.
func NewAllowList(entries []string) *AllowList {
	allowed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &AllowList{allowed: allowed}
}

// Authorize checks username against the list. The password is ignored.
func (a *AllowList) Authorize(_ context.Context, username, _ string) (bool, error) {
	name := strings.ToLower(username)
	if _, ok := a.allowed[name]; ok {
		return true, nil
	}
	address, _, found := strings.Cut(name, ".")
	if !found {
		return false, nil
	}
	_, ok := a.allowed[address]
	return ok, nil
}
