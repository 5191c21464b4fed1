package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/gatekeeper/internal/audit"
)

func init() {
	Migrations.MustRegister(up_20260301000001, down_20260301000001)
}

// up_20260301000001 creates the append-only audit_events table
func up_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating audit_events table...")

	_, err := db.NewCreateTable().
		Model((*audit.EventRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action, outcome)`,
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create audit_events index: %w", err)
		}
	}

	fmt.Println(" OK")
	return nil
}

// down_20260301000001 drops the audit_events table
func down_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping audit_events table...")

	_, err := db.NewDropTable().
		Model((*audit.EventRecord)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop audit_events table: %w", err)
	}

	fmt.Println(" OK")
	return nil
}
