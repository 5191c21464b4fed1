package authz

import (
	"context"
	_ "embed"
	"fmt"
	"sort"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"

	"github.com/terraconstructs/gatekeeper/internal/auth"
)

//go:embed model.conf
var casbinModelContent string

//go:embed policy.csv
var defaultPolicyContent string

// DefaultPolicy returns the embedded group table.
func DefaultPolicy() string { return defaultPolicyContent }

// CasbinSource reads grants from a casbin policy.
//
// "p" rows are grants (group, permission, effect). "g" rows assign a subject
// to a group or nest one group inside another; these memberships are added to
// whatever groups the token asserts.
//
// The source is read-only: it never adds policies at request time.
type CasbinSource struct {
	name     string
	enforcer *casbin.SyncedEnforcer
}

// NewCasbinSource builds a source over any casbin adapter.
func NewCasbinSource(name string, adapter persist.Adapter) (*CasbinSource, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	return &CasbinSource{name: name, enforcer: enforcer}, nil
}

// NewStaticSource loads the embedded default table.
func NewStaticSource() (*CasbinSource, error) {
	return NewCasbinSource("static", stringadapter.NewAdapter(defaultPolicyContent))
}

// NewFileSource loads a casbin CSV policy file.
func NewFileSource(path string) (*CasbinSource, error) {
	return NewCasbinSource("file:"+path, fileadapter.NewAdapter(path))
}

// Name identifies the source in logs.
func (s *CasbinSource) Name() string { return s.name }

// Grants returns every p row for the principal's token groups, its directory
// groups and the groups those inherit from.
func (s *CasbinSource) Grants(ctx context.Context, principal auth.Principal) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups, err := s.groupsFor(principal)
	if err != nil {
		return nil, err
	}

	var grants []Grant
	for _, group := range groups {
		rows, err := s.enforcer.GetFilteredPolicy(0, group)
		if err != nil {
			return nil, fmt.Errorf("casbin policy for group %s: %w", group, err)
		}
		for _, row := range rows {
			if len(row) < 2 {
				continue
			}
			effect := EffectAllow
			if len(row) > 2 {
				effect = ParseEffect(row[2])
			}
			grants = append(grants, Grant{Group: row[0], Permission: row[1], Effect: effect})
		}
	}
	return grants, nil
}

func (s *CasbinSource) groupsFor(principal auth.Principal) ([]string, error) {
	seen := make(map[string]struct{}, len(principal.Groups))
	add := func(names ...string) {
		for _, n := range names {
			if n != "" {
				seen[n] = struct{}{}
			}
		}
	}

	add(principal.Groups...)

	directory, err := s.enforcer.GetImplicitRolesForUser(principal.Subject)
	if err != nil {
		return nil, fmt.Errorf("casbin roles for subject %s: %w", principal.Subject, err)
	}
	add(directory...)

	for _, group := range principal.Groups {
		inherited, err := s.enforcer.GetImplicitRolesForUser(group)
		if err != nil {
			return nil, fmt.Errorf("casbin roles for group %s: %w", group, err)
		}
		add(inherited...)
	}

	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

// Reload re-reads the policy from the adapter.
func (s *CasbinSource) Reload(_ context.Context) error {
	if err := s.enforcer.LoadPolicy(); err != nil {
		return fmt.Errorf("reload casbin policy: %w", err)
	}
	return nil
}
