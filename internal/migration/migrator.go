package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/config"
	fleetdb "github.com/BaSui01/fleetrpc/internal/database"
)

// =============================================================================
// 📦 内嵌迁移文件
// =============================================================================

//go:embed migrations/postgres/*.sql migrations/mysql/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// DefaultTable 迁移版本表
const DefaultTable = "fleet_schema_migrations"

// DatabaseType 数据库方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// ParseDatabaseType 解析方言名，接受常见别名
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

func (t DatabaseType) dir() string { return path.Join("migrations", string(t)) }

// Status 单个迁移的状态
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Info 迁移状态摘要
type Info struct {
	CurrentVersion uint
	Dirty          bool
	Total          int
	Applied        int
	Pending        int
}

// Options 迁移器选项
type Options struct {
	// 版本表名，默认 DefaultTable
	Table  string
	Logger *zap.Logger
}

// =============================================================================
// 🚚 Migrator
// =============================================================================

// Migrator 在已打开的连接上执行 fleet_nodes 的 Schema 迁移
type Migrator struct {
	m      *migrate.Migrate
	dbType DatabaseType
	logger *zap.Logger
}

// New 基于已有连接创建迁移器。Close 会关闭 db。
func New(db *sql.DB, dbType DatabaseType, opts Options) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	driver, err := databaseDriver(db, dbType, opts.Table)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(migrationsFS, dbType.dir())
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(dbType), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	logger := opts.Logger.With(zap.String("component", "migration"), zap.String("dialect", string(dbType)))
	m.Log = migrateLogger{logger}
	return &Migrator{m: m, dbType: dbType, logger: logger}, nil
}

// NewFromConfig 按数据库配置打开连接并创建迁移器
func NewFromConfig(cfg config.DatabaseConfig, logger *zap.Logger) (*Migrator, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, err
	}
	pool, err := fleetdb.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	mig, err := New(pool.SQL(), dbType, Options{Logger: logger})
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return mig, nil
}

func databaseDriver(db *sql.DB, dbType DatabaseType, table string) (database.Driver, error) {
	switch dbType {
	case DatabaseTypePostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case DatabaseTypeMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case DatabaseTypeSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// stopOnCancel 在 ctx 结束时请求 migrate 在当前迁移完成后停止
func (mg *Migrator) stopOnCancel(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case mg.m.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (mg *Migrator) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer mg.stopOnCancel(ctx)()
	if err := fn(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	v, dirty, _ := mg.Version(ctx)
	mg.logger.Info("migration finished", zap.String("op", op), zap.Uint("version", v), zap.Bool("dirty", dirty))
	return nil
}

// Up 应用全部未执行的迁移
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.run(ctx, "up", mg.m.Up)
}

// Down 回滚 n 个迁移，n <= 0 时回滚全部
func (mg *Migrator) Down(ctx context.Context, n int) error {
	if n <= 0 {
		return mg.run(ctx, "down", mg.m.Down)
	}
	return mg.run(ctx, "down", func() error { return mg.m.Steps(-n) })
}

// Force 设置版本号而不执行迁移，用于清理 dirty 状态
func (mg *Migrator) Force(ctx context.Context, version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	mg.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Version 返回当前版本，尚未迁移时为 0
func (mg *Migrator) Version(context.Context) (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return v, dirty, nil
}

// Status 返回每个内嵌迁移的状态
func (mg *Migrator) Status(ctx context.Context) ([]Status, error) {
	current, dirty, err := mg.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := available(mg.dbType)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(files))
	for _, f := range files {
		out = append(out, Status{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return out, nil
}

// Info 返回迁移摘要
func (mg *Migrator) Info(ctx context.Context) (*Info, error) {
	statuses, err := mg.Status(ctx)
	if err != nil {
		return nil, err
	}
	current, dirty, err := mg.Version(ctx)
	if err != nil {
		return nil, err
	}
	info := &Info{CurrentVersion: current, Dirty: dirty, Total: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.Applied++
		}
	}
	info.Pending = info.Total - info.Applied
	return info, nil
}

// Close 释放迁移源与数据库连接
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

type migrationFile struct {
	version uint
	name    string
}

// available 列出方言目录下的迁移，按版本排序
func available(dbType DatabaseType) ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationsFS, dbType.dir())
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations for %s: %w", dbType, err)
	}

	var files []migrationFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		// 000001_create_fleet_nodes.up.sql
		num, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: uint(v), name: strings.TrimSuffix(rest, ".up.sql")})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// migrateLogger 把 golang-migrate 的日志转到 zap
type migrateLogger struct{ l *zap.Logger }

func (ml migrateLogger) Printf(format string, v ...any) {
	ml.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (ml migrateLogger) Verbose() bool { return ml.l.Core().Enabled(zap.DebugLevel) }
