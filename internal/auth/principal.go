package auth

import (
	"context"
	"slices"
	"time"
)

// Principal represents an authenticated caller.
//
// This struct is IMMUTABLE after construction. It is built only by the
// Verifier from a token whose signature, issuer, audience and expiry have been
// checked, lives for the duration of one request and is never persisted.
type Principal struct {
	// Subject is the stable "sub" claim issued by the IdP.
	Subject string

	// Email is the caller's email address (optional for machine clients).
	Email string

	// Groups lists the IdP groups asserted by the token, deduplicated and sorted.
	// They are hints for the permission source, not the final authority.
	Groups []string

	// ExpiresAt is the token's "exp" claim.
	ExpiresAt time.Time

	// TokenID is the "jti" claim when present.
	TokenID string
}

// HasGroup reports whether the principal's token asserts the group.
func (p Principal) HasGroup(group string) bool {
	_, found := slices.BinarySearch(p.Groups, group)
	return found
}

// normalizeGroups removes empty and duplicate entries and sorts the result so
// that insertion order never influences authorization.
func normalizeGroups(groups []string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g != "" {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type principalContextKey struct{}

// WithPrincipal stores the authenticated principal on the context for downstream consumers.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}
