package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20260301000003, down_20260301000003)
}

var appendOnlyUp = map[string][]string{
	"sqlite": {
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
		BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
		BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END`,
	},
	"postgres": {
		`CREATE OR REPLACE FUNCTION audit_events_append_only() RETURNS trigger AS $$
		BEGIN RAISE EXCEPTION 'audit_events is append-only'; END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS audit_events_append_only ON audit_events`,
		`CREATE TRIGGER audit_events_append_only BEFORE UPDATE OR DELETE ON audit_events
		FOR EACH ROW EXECUTE FUNCTION audit_events_append_only()`,
	},
}

var appendOnlyDown = map[string][]string{
	"sqlite": {
		`DROP TRIGGER IF EXISTS audit_events_no_update`,
		`DROP TRIGGER IF EXISTS audit_events_no_delete`,
	},
	"postgres": {
		`DROP TRIGGER IF EXISTS audit_events_append_only ON audit_events`,
		`DROP FUNCTION IF EXISTS audit_events_append_only()`,
	},
}

func dialectKey(db *bun.DB) string {
	switch {
	case IsPostgreSQL(db):
		return "postgres"
	case IsSQLite(db):
		return "sqlite"
	default:
		return ""
	}
}

// up_20260301000003 rejects UPDATE and DELETE on audit_events at the database level
func up_20260301000003(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] making audit_events append-only...")

	stmts, ok := appendOnlyUp[dialectKey(db)]
	if !ok {
		return fmt.Errorf("unsupported dialect %s", db.Dialect().Name())
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install audit_events guard: %w", err)
		}
	}

	fmt.Println(" OK")
	return nil
}

func down_20260301000003(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] removing audit_events guard...")

	for _, stmt := range appendOnlyDown[dialectKey(db)] {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to remove audit_events guard: %w", err)
		}
	}

	fmt.Println(" OK")
	return nil
}
