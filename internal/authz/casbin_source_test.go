package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/gatekeeper/internal/auth"
	"github.com/terraconstructs/gatekeeper/internal/db/bunx"
)

func TestStaticSource_DefaultTable(t *testing.T) {
	source, err := NewStaticSource()
	require.NoError(t, err)
	r := NewResolver(source, ResolverOptions{})

	tests := []struct {
		name       string
		principal  auth.Principal
		permission string
		want       bool
	}{
		{"dba executes", principal("u1", "dba-team"), "execute_operations", true},
		{"developer cannot execute", principal("u2", "developers"), "execute_operations", false},
		{"developer requests", principal("u2", "developers"), "request_operations", true},
		{"approver approves", principal("u3", "approvers"), "approve_request", true},
		{"contractor dba denied", principal("u4", "contractors", "dba-team"), "execute_operations", false},
		{"contractor dba still views", principal("u4", "contractors", "dba-team"), "view_instances", true},
		{"admin wildcard", principal("u5", "platform-admins"), "manage_users", true},
		{"nested group inherits", principal("u6", "dba-leads"), "approve_request", true},
		{"security views events", principal("u7", "security"), "view_security_events", true},
		{"unknown group", principal("u8", "visitors"), "view_instances", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := r.Authorize(context.Background(), tt.principal, tt.permission)
			require.NoError(t, err)
			assert.Equal(t, tt.want, allowed)
		})
	}
}

func TestFileSource_DirectoryMembership(t *testing.T) {
	policy := `
p, approvers, approve_request, allow
g, user-42, approvers
`
	path := filepath.Join(t.TempDir(), "policy.csv")
	require.NoError(t, os.WriteFile(path, []byte(policy), 0o600))

	source, err := NewFileSource(path)
	require.NoError(t, err)
	assert.Equal(t, "file:"+path, source.Name())

	// No groups in the token; membership comes from the policy's directory rows.
	grants, err := source.Grants(context.Background(), principal("user-42"))
	require.NoError(t, err)
	assert.True(t, Decide(grants, "approve_request"))

	grants, err = source.Grants(context.Background(), principal("user-43"))
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestFileSource_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	require.NoError(t, os.WriteFile(path, []byte("p, finance, view_costs, allow\n"), 0o600))

	source, err := NewFileSource(path)
	require.NoError(t, err)
	r := NewResolver(source, ResolverOptions{})
	p := principal("u1", "finance")

	allowed, err := r.Authorize(context.Background(), p, "view_costs")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, os.WriteFile(path, []byte("p, finance, view_costs, deny\n"), 0o600))
	require.NoError(t, r.Reload(context.Background()))

	allowed, err = r.Authorize(context.Background(), p, "view_costs")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestDatabaseSource(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer bunx.Close(db)

	_, err = db.NewCreateTable().Model((*CasbinRule)(nil)).IfNotExists().Exec(ctx)
	require.NoError(t, err)

	adapter := NewBunAdapter(db)
	n, err := adapter.Import("p, dba-team, execute_operations, allow\np, contractors, execute_operations, deny\ng, user-9, contractors\n")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	source, err := NewDatabaseSource(db)
	require.NoError(t, err)
	assert.Equal(t, "database", source.Name())

	grants, err := source.Grants(ctx, principal("user-1", "dba-team"))
	require.NoError(t, err)
	assert.True(t, Decide(grants, "execute_operations"))

	grants, err = source.Grants(ctx, principal("user-9", "dba-team"))
	require.NoError(t, err)
	assert.False(t, Decide(grants, "execute_operations"), "directory membership in contractors denies")

	// Rule edits in SQL take effect on reload.
	require.NoError(t, adapter.RemovePolicy("p", "p", []string{"contractors", "execute_operations", "deny"}))
	require.NoError(t, source.Reload(ctx))
	grants, err = source.Grants(ctx, principal("user-9", "dba-team"))
	require.NoError(t, err)
	assert.True(t, Decide(grants, "execute_operations"))
}

func TestBunAdapter_RemoveFilteredPolicy(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer bunx.Close(db)

	_, err = db.NewCreateTable().Model((*CasbinRule)(nil)).IfNotExists().Exec(ctx)
	require.NoError(t, err)

	adapter := NewBunAdapter(db)
	require.NoError(t, adapter.AddPolicy("p", "p", []string{"finance", "view_costs", "allow"}))
	require.NoError(t, adapter.AddPolicy("p", "p", []string{"finance", "view_compliance", "allow"}))
	require.NoError(t, adapter.AddPolicy("p", "p", []string{"security", "view_compliance", "allow"}))

	require.NoError(t, adapter.RemoveFilteredPolicy("p", "p", 0, "finance"))

	count, err := db.NewSelect().Model((*CasbinRule)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
