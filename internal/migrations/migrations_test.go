package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"

	"github.com/terraconstructs/gatekeeper/internal/audit"
	"github.com/terraconstructs/gatekeeper/internal/authz"
	"github.com/terraconstructs/gatekeeper/internal/db/bunx"
)

func TestMigrateUpAndDown(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer bunx.Close(db)

	assert.True(t, IsSQLite(db))
	assert.False(t, IsPostgreSQL(db))

	migrator := migrate.NewMigrator(db, Migrations)
	require.NoError(t, migrator.Init(ctx))

	group, err := migrator.Migrate(ctx)
	require.NoError(t, err)
	assert.NotZero(t, group.ID)

	auditCount, err := db.NewSelect().Model((*audit.EventRecord)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, auditCount)

	ruleCount, err := db.NewSelect().Model((*authz.CasbinRule)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Positive(t, ruleCount, "casbin_rules is seeded with the default table")

	sink := audit.NewBunSink(db)
	require.NoError(t, sink.Write(ctx, audit.Event{
		ID:        "evt-1",
		Type:      audit.TypeOperation,
		Action:    "approve_request",
		Outcome:   audit.OutcomeSuccess,
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, sink.Write(ctx, audit.Event{
		ID:        "evt-1",
		Type:      audit.TypeOperation,
		Action:    "approve_request",
		Outcome:   audit.OutcomeSuccess,
		Timestamp: time.Now().UTC(),
	}), "a redelivered event is ignored, not updated")

	_, err = db.ExecContext(ctx, "UPDATE audit_events SET outcome = 'failure'")
	assert.ErrorContains(t, err, "append-only")
	_, err = db.ExecContext(ctx, "DELETE FROM audit_events")
	assert.ErrorContains(t, err, "append-only")

	_, err = migrator.Rollback(ctx)
	require.NoError(t, err)

	_, err = db.NewSelect().Model((*audit.EventRecord)(nil)).Count(ctx)
	assert.Error(t, err, "audit_events dropped on rollback")
}
