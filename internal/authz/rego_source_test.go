package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegoPolicy = `package gatekeeper

import rego.v1

table := {
	"dba-team": ["view_instances", "execute_operations"],
	"approvers": ["approve_request"],
}

grants contains {"group": g, "permission": p, "effect": "allow"} if {
	some g in input.groups
	some p in table[g]
}

grants contains {"group": "on-call", "permission": "execute_operations", "effect": "allow"} if {
	endswith(input.email, "@oncall.example.com")
}

grants contains {"group": "frozen", "permission": "execute_operations", "effect": "deny"} if {
	input.subject == "frozen-user"
}
`

func TestRegoSource(t *testing.T) {
	ctx := context.Background()
	source, err := NewRegoSourceFromModule(ctx, "data.gatekeeper.grants", "gatekeeper.rego", testRegoPolicy)
	require.NoError(t, err)
	assert.Equal(t, "rego", source.Name())

	r := NewResolver(source, ResolverOptions{})

	allowed, err := r.Authorize(ctx, principal("u1", "dba-team"), "execute_operations")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = r.Authorize(ctx, principal("u2", "approvers"), "execute_operations")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = r.Authorize(ctx, principal("frozen-user", "dba-team"), "execute_operations")
	require.NoError(t, err)
	assert.False(t, allowed, "policy deny wins")

	p := principal("u3")
	p.Email = "sre@oncall.example.com"
	allowed, err = r.Authorize(ctx, p, "execute_operations")
	require.NoError(t, err)
	assert.True(t, allowed, "grants may come from attributes other than groups")
}

func TestRegoSource_FromPathAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	file := filepath.Join(dir, "gatekeeper.rego")
	require.NoError(t, os.WriteFile(file, []byte(testRegoPolicy), 0o600))

	source, err := NewRegoSource(ctx, "data.gatekeeper.grants", dir)
	require.NoError(t, err)

	grants, err := source.Grants(ctx, principal("u1", "approvers"))
	require.NoError(t, err)
	assert.True(t, Decide(grants, "approve_request"))

	require.NoError(t, os.WriteFile(file, []byte("package gatekeeper\n\nimport rego.v1\n\ngrants := []\n"), 0o600))
	require.NoError(t, source.Reload(ctx))

	grants, err = source.Grants(ctx, principal("u1", "approvers"))
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestRegoSource_CompileError(t *testing.T) {
	_, err := NewRegoSourceFromModule(context.Background(), "data.gatekeeper.grants", "bad.rego", "package gatekeeper\n\ngrants := {")
	assert.Error(t, err)
}
