package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap/zaptest"

	"github.com/terraconstructs/gatekeeper/internal/audit"
	"github.com/terraconstructs/gatekeeper/internal/auth"
	"github.com/terraconstructs/gatekeeper/internal/config"
)

const cliRegoPolicy = `package gatekeeper

import rego.v1

grants contains {"group": g, "permission": "view_instances", "effect": "allow"} if {
	some g in input.groups
	g == "developers"
}
`

func TestOpenPermissionSource(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "policy.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("p, ops, *, allow\n"), 0o600))
	regoPath := filepath.Join(dir, "gatekeeper.rego")
	require.NoError(t, os.WriteFile(regoPath, []byte(cliRegoPolicy), 0o600))
	dbPath := filepath.Join(dir, "policy.db")
	migrateTestDB(t, dbPath)

	tests := []struct {
		name       string
		cfg        config.AuthzConfig
		wantSource string
		group      string
		permission string
	}{
		{
			name:       "embedded static table",
			cfg:        config.AuthzConfig{Source: "static"},
			wantSource: "static",
			group:      "approvers",
			permission: "approve_request",
		},
		{
			name:       "policy file",
			cfg:        config.AuthzConfig{Source: "static", PolicyPath: csvPath},
			wantSource: "file:" + csvPath,
			group:      "ops",
			permission: "execute_operations",
		},
		{
			name:       "rego bundle",
			cfg:        config.AuthzConfig{Source: "rego", RegoPath: regoPath, RegoQuery: "data.gatekeeper.grants"},
			wantSource: "rego",
			group:      "developers",
			permission: "view_instances",
		},
		{
			name:       "database",
			cfg:        config.AuthzConfig{Source: "database", DatabaseURL: dbPath},
			wantSource: "database",
			group:      "approvers",
			permission: "approve_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, closeSource, err := openPermissionSource(ctx, tt.cfg, log)
			require.NoError(t, err)
			defer closeSource()
			assert.Equal(t, tt.wantSource, source.Name())

			grants, err := source.Grants(ctx, auth.Principal{Subject: "u1", Groups: []string{tt.group}})
			require.NoError(t, err)
			var found bool
			for _, g := range grants {
				if g.Group == tt.group {
					found = true
				}
			}
			assert.True(t, found, "expected a grant for %s", tt.group)
		})
	}
}

// migrateTestDB applies the migrations, which seed casbin_rules with the default policy.
func migrateTestDB(t *testing.T, path string) {
	t.Helper()
	cfg = &config.Config{}
	logger = zaptest.NewLogger(t)
	dbURL = path
	t.Cleanup(func() { dbURL = "" })

	ctx := context.Background()
	require.NoError(t, withMigrator(ctx, false, func(m *migrate.Migrator) error {
		if err := m.Init(ctx); err != nil {
			return err
		}
		_, err := m.Migrate(ctx)
		return err
	}))
}

func TestWithMigrator_NoDatabase(t *testing.T) {
	cfg = &config.Config{}
	logger = zaptest.NewLogger(t)

	err := withMigrator(context.Background(), false, func(*migrate.Migrator) error { return nil })
	assert.ErrorContains(t, err, "no database configured")
}

func TestOpenPermissionSource_BadRego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.rego")
	require.NoError(t, os.WriteFile(path, []byte("package gatekeeper\n\ngrants contains if {"), 0o600))

	_, _, err := openPermissionSource(context.Background(),
		config.AuthzConfig{Source: "rego", RegoPath: path, RegoQuery: "data.gatekeeper.grants"},
		zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestBuildAuditSink(t *testing.T) {
	logger = zaptest.NewLogger(t)
	ctx := context.Background()

	sink, closeSinks, err := buildAuditSink(ctx, config.AuditConfig{Sinks: []string{"log"}})
	require.NoError(t, err)
	closeSinks()
	assert.Equal(t, "log", sink.Name())

	sink, closeSinks, err = buildAuditSink(ctx, config.AuditConfig{})
	require.NoError(t, err)
	closeSinks()
	assert.Equal(t, "log", sink.Name(), "no sinks configured still logs")

	mr := miniredis.RunT(t)
	sink, closeSinks, err = buildAuditSink(ctx, config.AuditConfig{
		Sinks:       []string{"log", "redis"},
		RedisAddr:   mr.Addr(),
		RedisStream: "gatekeeper:audit",
	})
	require.NoError(t, err)
	defer closeSinks()
	assert.Equal(t, "multi", sink.Name())

	require.NoError(t, sink.Write(ctx, audit.Event{
		ID:      "evt-1",
		Type:    audit.TypeOperation,
		Action:  "approve_request",
		Outcome: audit.OutcomeSuccess,
	}))
	entries, err := mr.Stream("gatekeeper:audit")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
