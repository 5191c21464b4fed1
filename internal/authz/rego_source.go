package authz

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"
	"github.com/open-policy-agent/opa/rego"

	"github.com/terraconstructs/gatekeeper/internal/auth"
)

// RegoSource evaluates an OPA policy to produce grants.
//
// The query must evaluate to an array (or set) of objects shaped like
// {"group": "...", "permission": "...", "effect": "allow"|"deny"}. The input
// document is {"subject", "email", "groups"}.
type RegoSource struct {
	query   string
	options []func(*rego.Rego)
	// prepared is swapped atomically on Reload.
	prepared atomic.Pointer[rego.PreparedEvalQuery]
}

// NewRegoSource loads policy and data files from paths (files or directories).
func NewRegoSource(ctx context.Context, query string, paths ...string) (*RegoSource, error) {
	return newRegoSource(ctx, query, rego.Load(paths, nil))
}

// NewRegoSourceFromModule compiles a single in-memory module.
func NewRegoSourceFromModule(ctx context.Context, query, filename, module string) (*RegoSource, error) {
	return newRegoSource(ctx, query, rego.Module(filename, module))
}

func newRegoSource(ctx context.Context, query string, options ...func(*rego.Rego)) (*RegoSource, error) {
	s := &RegoSource{query: query, options: options}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies the source in logs.
func (s *RegoSource) Name() string { return "rego" }

// Reload recompiles the policy from its original inputs.
func (s *RegoSource) Reload(ctx context.Context) error {
	opts := append([]func(*rego.Rego){rego.Query(s.query)}, s.options...)
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare rego query %s: %w", s.query, err)
	}
	s.prepared.Store(&prepared)
	return nil
}

// Grants evaluates the policy for principal.
func (s *RegoSource) Grants(ctx context.Context, principal auth.Principal) ([]Grant, error) {
	prepared := s.prepared.Load()
	if prepared == nil {
		return nil, errors.New("rego source not prepared")
	}

	groups := principal.Groups
	if groups == nil {
		groups = []string{}
	}
	input := map[string]any{
		"subject": principal.Subject,
		"email":   principal.Email,
		"groups":  groups,
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate rego query: %w", err)
	}
	// An undefined result means the policy grants nothing.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	var raw []struct {
		Group      string `mapstructure:"group"`
		Permission string `mapstructure:"permission"`
		Effect     string `mapstructure:"effect"`
	}
	if err := mapstructure.Decode(results[0].Expressions[0].Value, &raw); err != nil {
		return nil, fmt.Errorf("decode rego grants: %w", err)
	}

	grants := make([]Grant, 0, len(raw))
	for _, r := range raw {
		if r.Permission == "" {
			continue
		}
		grants = append(grants, Grant{Group: r.Group, Permission: r.Permission, Effect: ParseEffect(r.Effect)})
	}
	return grants, nil
}
