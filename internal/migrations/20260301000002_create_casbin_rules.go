package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/gatekeeper/internal/authz"
)

func init() {
	Migrations.MustRegister(up_20260301000002, down_20260301000002)
}

// up_20260301000002 creates casbin_rules and seeds it with the embedded
// default table so the database permission source starts with the same
// grants as the static one.
func up_20260301000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating casbin_rules table...")

	_, err := db.NewCreateTable().
		Model((*authz.CasbinRule)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create casbin_rules table: %w", err)
	}

	count, err := db.NewSelect().Model((*authz.CasbinRule)(nil)).Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count casbin_rules: %w", err)
	}
	if count == 0 {
		if _, err := authz.NewBunAdapter(db).Import(authz.DefaultPolicy()); err != nil {
			return fmt.Errorf("failed to seed casbin_rules: %w", err)
		}
	}

	fmt.Println(" OK")
	return nil
}

// down_20260301000002 drops the casbin_rules table
func down_20260301000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping casbin_rules table...")

	_, err := db.NewDropTable().
		Model((*authz.CasbinRule)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop casbin_rules table: %w", err)
	}

	fmt.Println(" OK")
	return nil
}
