package cmd

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/authz"
	"github.com/terraconstructs/gatekeeper/internal/config"
	"github.com/terraconstructs/gatekeeper/internal/db/bunx"
)

// openPermissionSource builds the configured permission source. The returned
// close func releases any database handle the source holds.
func openPermissionSource(ctx context.Context, c config.AuthzConfig, log *zap.Logger) (authz.Source, func(), error) {
	noop := func() {}

	switch c.Source {
	case "database":
		db, err := bunx.Open(ctx, c.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to policy database: %w", err)
		}
		src, err := authz.NewDatabaseSource(db)
		if err != nil {
			_ = bunx.Close(db)
			return nil, noop, fmt.Errorf("load database policy: %w", err)
		}
		log.Info("permission source ready", zap.String("source", src.Name()),
			zap.String("database", string(bunx.DetectDatabaseType(c.DatabaseURL))))
		return src, closeDB(db), nil

	case "rego":
		src, err := authz.NewRegoSource(ctx, c.RegoQuery, c.RegoPath)
		if err != nil {
			return nil, noop, fmt.Errorf("load rego policy: %w", err)
		}
		log.Info("permission source ready", zap.String("source", src.Name()), zap.String("path", c.RegoPath))
		return src, noop, nil

	default:
		var (
			src *authz.CasbinSource
			err error
		)
		if c.PolicyPath != "" {
			src, err = authz.NewFileSource(c.PolicyPath)
		} else {
			src, err = authz.NewStaticSource()
		}
		if err != nil {
			return nil, noop, fmt.Errorf("load static policy: %w", err)
		}
		log.Info("permission source ready", zap.String("source", src.Name()))
		return src, noop, nil
	}
}

func closeDB(db *bun.DB) func() {
	return func() { _ = bunx.Close(db) }
}
