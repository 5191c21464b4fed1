package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/db/bunx"
	"github.com/terraconstructs/gatekeeper/internal/migrations"
)

var dbURL string

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long: `Commands for managing the audit_events and casbin_rules schema.
The database defaults to audit.database_url, then authz.database_url.`,
}

// openMigrationDB connects to the database the db subcommands operate on.
func openMigrationDB(ctx context.Context) (*bun.DB, error) {
	dsn := dbURL
	if dsn == "" {
		dsn = cfg.Audit.DatabaseURL
	}
	if dsn == "" {
		dsn = cfg.Authz.DatabaseURL
	}
	if dsn == "" {
		return nil, errors.New("no database configured: set --database-url, audit.database_url or authz.database_url")
	}
	db, err := bunx.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// withMigrator runs fn with a migrator, holding the migration lock when locked is set.
func withMigrator(ctx context.Context, locked bool, fn func(*migrate.Migrator) error) error {
	db, err := openMigrationDB(ctx)
	if err != nil {
		return err
	}
	defer bunx.Close(db)

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if locked {
		if err := migrator.Lock(ctx); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		defer func() {
			if err := migrator.Unlock(ctx); err != nil {
				logger.Warn("failed to release migration lock", zap.Error(err))
			}
		}()
	}
	return fn(migrator)
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize migration tables",
	Long:  `Creates the migration tracking tables in the database. Run this once during initial setup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(context.Background(), false, func(m *migrate.Migrator) error {
			if err := m.Init(context.Background()); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			logger.Info("migration tables initialized")
			return nil
		})
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending migrations with locking to prevent concurrent migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withMigrator(ctx, true, func(m *migrate.Migrator) error {
			group, err := m.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if group.IsZero() {
				logger.Info("no new migrations to apply")
			} else {
				logger.Info("applied migration group", zap.Int64("group", group.ID), zap.String("migrations", group.String()))
			}
			return nil
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withMigrator(ctx, false, func(m *migrate.Migrator) error {
			ms, err := m.MigrationsWithStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, mig := range ms {
				status := "pending"
				if mig.GroupID > 0 {
					status = fmt.Sprintf("applied (group %d)", mig.GroupID)
				}
				fmt.Fprintf(out, "%s\t%s\n", mig.Name, status)
			}
			return nil
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback last migration group",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withMigrator(ctx, true, func(m *migrate.Migrator) error {
			group, err := m.Rollback(ctx)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			if group.IsZero() {
				logger.Info("no migrations to rollback")
			} else {
				logger.Info("rolled back migration group", zap.Int64("group", group.ID))
			}
			return nil
		})
	},
}

var dbUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force release migration lock",
	Long:  `Force releases the migration lock. Use this if a migration crashed while holding the lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withMigrator(ctx, false, func(m *migrate.Migrator) error {
			if err := m.Unlock(ctx); err != nil {
				return fmt.Errorf("failed to release migration lock: %w", err)
			}
			logger.Info("migration lock released")
			return nil
		})
	},
}

func init() {
	dbCmd.PersistentFlags().StringVar(&dbURL, "database-url", "", "Database URL (postgres:// or sqlite file path)")
	dbCmd.AddCommand(dbInitCmd, dbMigrateCmd, dbStatusCmd, dbRollbackCmd, dbUnlockCmd)
	rootCmd.AddCommand(dbCmd)
}
