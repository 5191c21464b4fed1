// Package authz decides whether a principal holds a permission.
//
// Grants come from a Source (casbin group table, casbin rules in SQL or an OPA
// policy bundle). The Resolver caches a principal's grants for a short TTL and
// evaluates them with deny-wins semantics.
package authz

import (
	"context"
	"strings"

	"github.com/casbin/casbin/v2/util"

	"github.com/terraconstructs/gatekeeper/internal/auth"
)

// Effect of a grant.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ParseEffect normalises an effect string. Anything unrecognised is denied so
// that a typo in a policy can never widen access.
func ParseEffect(s string) Effect {
	if strings.EqualFold(strings.TrimSpace(s), string(EffectAllow)) {
		return EffectAllow
	}
	return EffectDeny
}

// Grant maps a group to a permission pattern. Permission may contain "*"
// wildcards ("view_*", "*").
type Grant struct {
	Group      string `json:"group" mapstructure:"group"`
	Permission string `json:"permission" mapstructure:"permission"`
	Effect     Effect `json:"effect" mapstructure:"effect"`
}

// Source produces the grants that apply to a principal.
//
// Implementations may ignore the token's groups and consult their own
// directory data; the token's groups are hints, the source is the authority.
type Source interface {
	Grants(ctx context.Context, principal auth.Principal) ([]Grant, error)
	Name() string
}

// Reloader is implemented by sources that can re-read their policy.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Decide evaluates grants for permission. A matching deny always wins; without
// a matching allow the answer is false.
func Decide(grants []Grant, permission string) bool {
	allowed := false
	for _, g := range grants {
		if !matches(permission, g.Permission) {
			continue
		}
		if g.Effect != EffectAllow {
			return false
		}
		allowed = true
	}
	return allowed
}

// Matching returns the grants whose pattern matches permission.
func Matching(grants []Grant, permission string) []Grant {
	var out []Grant
	for _, g := range grants {
		if matches(permission, g.Permission) {
			out = append(out, g)
		}
	}
	return out
}

func matches(permission, pattern string) bool {
	if pattern == "" {
		return false
	}
	return util.KeyMatch(permission, pattern)
}
