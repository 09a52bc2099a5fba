package main

import (
	"context"
	"errors"
	"flag"
	"io"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/internal/migration"
)

// =============================================================================
// 🗄️ 清单库迁移
// =============================================================================

// runMigrate handles `migrate [--config path] <up|down|force|version|status> [arg]`.
func runMigrate(ctx context.Context, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("usage: migrate [--config path] <up|down [n|all]|force <version>|version|status>")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	m, err := migration.NewFromConfig(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close migrator", zap.Error(err))
		}
	}()
	return migration.Run(ctx, m, w, rest[0], rest[1:])
}
