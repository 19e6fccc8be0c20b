package gormdb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	mysqlDriver "gorm.io/driver/mysql"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
	"github.com/taskfleet/taskfleet/internal/infra/consts"
	"github.com/taskfleet/taskfleet/internal/infra/core"
)

// GormComponent manages one *gorm.DB per named datasource.
type GormComponent struct {
	*core.BaseComponent
	cfg   *Config
	dbs   map[string]*gorm.DB
	mutex sync.RWMutex
	log   logger.Interface
}

func NewGormComponent(cfg *Config) *GormComponent {
	gc := &GormComponent{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_GORM_DB, consts.COMPONENT_LOGGING),
		cfg:           cfg,
		dbs:           make(map[string]*gorm.DB),
	}
	gc.log = newGormLogger(cfg)
	return gc
}

func (c *GormComponent) Start(ctx context.Context) error {
	if err := c.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if c.cfg == nil || !c.cfg.Enabled {
		return fmt.Errorf("gorm_db component disabled or nil config")
	}
	if len(c.cfg.DataSources) == 0 {
		return fmt.Errorf("gorm_db no data_sources configured")
	}

	for name, ds := range c.cfg.DataSources {
		if ds == nil {
			return fmt.Errorf("datasource %s config is nil", name)
		}
		gormDB, err := openDialector(ds, c.log)
		if err != nil {
			return fmt.Errorf("open gorm db %s failed: %w", name, err)
		}

		sqlDB, err := gormDB.DB()
		if err != nil {
			return fmt.Errorf("get underlying sql.DB for %s failed: %w", name, err)
		}

		if ds.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(ds.MaxOpenConns)
		} else {
			sqlDB.SetMaxOpenConns(50)
		}
		if ds.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(ds.MaxIdleConns)
		} else {
			sqlDB.SetMaxIdleConns(10)
		}
		if ds.ConnMaxLife > 0 {
			sqlDB.SetConnMaxLifetime(ds.ConnMaxLife)
		} else {
			sqlDB.SetConnMaxLifetime(60 * time.Minute)
		}
		if ds.ConnMaxIdle > 0 {
			sqlDB.SetConnMaxIdleTime(ds.ConnMaxIdle)
		}

		if ds.PingOnStart {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := sqlDB.PingContext(pingCtx); err != nil {
				cancel()
				_ = sqlDB.Close()
				return fmt.Errorf("ping gorm db %s failed: %w", name, err)
			}
			cancel()
		}

		if ds.MigrateEnabled {
			if err := runMigrations(ctx, gormDB, ds.MigrateDir); err != nil {
				_ = sqlDB.Close()
				return fmt.Errorf("migrate datasource %s failed: %w", name, err)
			}
		}

		c.mutex.Lock()
		c.dbs[name] = gormDB
		c.mutex.Unlock()

		logging.Infof(ctx, "[gorm_db] datasource %s initialized", name)
	}
	logging.Infof(ctx, "[gorm_db] started. data sources=%v", c.listNames())
	return nil
}

func openDialector(ds *DataSourceConfig, log logger.Interface) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:                                   log,
		SkipDefaultTransaction:                   ds.SkipDefaultTransaction,
		PrepareStmt:                              ds.PrepareStmt,
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	}
	switch strings.ToLower(ds.Driver) {
	case "postgres":
		dsn, err := buildPostgresDSN(ds)
		if err != nil {
			return nil, err
		}
		return gorm.Open(postgresDriver.Open(dsn), gcfg)
	case "", "mysql":
		dsn, err := buildMySQLDSN(ds)
		if err != nil {
			return nil, err
		}
		return gorm.Open(mysqlDriver.New(mysqlDriver.Config{DSN: dsn}), gcfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", ds.Driver)
	}
}

func (c *GormComponent) Stop(ctx context.Context) error {
	defer func() { _ = c.BaseComponent.Stop(ctx) }()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for name, gdb := range c.dbs {
		if gdb != nil {
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
			logging.Infof(ctx, "[gorm_db] datasource %s closed", name)
		}
	}
	return nil
}

func (c *GormComponent) HealthCheck() error {
	if err := c.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for name, gdb := range c.dbs {
		if gdb == nil {
			return fmt.Errorf("datasource %s not initialized", name)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return fmt.Errorf("datasource %s get sql.DB failed: %w", name, err)
		}
		if err := sqlDB.Ping(); err != nil {
			return fmt.Errorf("datasource %s ping failed: %w", name, err)
		}
	}
	return nil
}

func (c *GormComponent) GetDB(name string) (*gorm.DB, error) {
	c.mutex.RLock()
	db, ok := c.dbs[name]
	c.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gorm_db datasource %s not found", name)
	}
	return db, nil
}

func (c *GormComponent) listNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	names := make([]string, 0, len(c.dbs))
	for k := range c.dbs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func buildMySQLDSN(ds *DataSourceConfig) (string, error) {
	if strings.TrimSpace(ds.DSN) != "" {
		return ds.DSN, nil
	}
	if ds.Host == "" || ds.User == "" || ds.Database == "" {
		return "", errors.New("host, user, database required when dsn not provided")
	}
	port := ds.Port
	if port == 0 {
		port = 3306
	}
	params := url.Values{}
	params.Set("parseTime", "true")
	params.Set("charset", "utf8mb4")
	params.Set("loc", "Local")
	for k, v := range ds.Params {
		params.Set(k, v)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s", ds.User, ds.Password, ds.Host, port, ds.Database, params.Encode()), nil
}

func buildPostgresDSN(ds *DataSourceConfig) (string, error) {
	if strings.TrimSpace(ds.DSN) != "" {
		return ds.DSN, nil
	}
	if ds.Host == "" || ds.User == "" || ds.Database == "" {
		return "", errors.New("host, user, database required when dsn not provided")
	}
	port := ds.Port
	if port == 0 {
		port = 5432
	}
	parts := []string{
		fmt.Sprintf("host=%s", ds.Host),
		fmt.Sprintf("port=%d", port),
		fmt.Sprintf("user=%s", ds.User),
		fmt.Sprintf("dbname=%s", ds.Database),
	}
	if ds.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", ds.Password))
	}
	keys := make([]string, 0, len(ds.Params))
	for k := range ds.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, ds.Params[k]))
	}
	return strings.Join(parts, " "), nil
}

// runMigrations executes .sql files from dir in lexical order. Statements are
// split on ";\n" boundaries; files already applied are not tracked, so scripts
// must be idempotent (CREATE TABLE IF NOT EXISTS etc).
func runMigrations(ctx context.Context, db *gorm.DB, dir string) error {
	if dir == "" {
		return errors.New("migrate_dir not set")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrate dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	for _, f := range files {
		raw, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		for _, stmt := range strings.Split(string(raw), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" || strings.HasPrefix(stmt, "--") {
				continue
			}
			if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
				return fmt.Errorf("migration %s: %w", f, err)
			}
		}
		logging.Infof(ctx, "[gorm_db] migration applied: %s", f)
	}
	return nil
}

// GORM logger implementation routing to the logging component.

type gormLogger struct {
	logLevel      logger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(cfg *Config) logger.Interface {
	lvl := logger.Info
	slow := 200 * time.Millisecond
	if cfg != nil {
		if cfg.LogLevel != "" {
			switch strings.ToLower(cfg.LogLevel) {
			case "silent":
				lvl = logger.Silent
			case "error":
				lvl = logger.Error
			case "warn", "warning":
				lvl = logger.Warn
			case "info", "debug":
				lvl = logger.Info
			}
		}
		if cfg.SlowThreshold > 0 {
			slow = cfg.SlowThreshold
		}
	}
	return &gormLogger{logLevel: lvl, slowThreshold: slow}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	nl := *l
	nl.logLevel = level
	return &nl
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Info {
		logging.Infof(ctx, "[gorm] "+msg, data...)
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Warn {
		logging.Warnf(ctx, "[gorm] "+msg, data...)
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Error {
		logging.Errorf(ctx, "[gorm] "+msg, data...)
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sqlStr, rows := fc()
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.logLevel >= logger.Error {
		logging.Errorf(ctx, "[gorm] error elapsed=%s rows=%d sql=%s err=%v", elapsed, rows, sqlStr, err)
		return
	}
	if l.slowThreshold > 0 && elapsed > l.slowThreshold && l.logLevel >= logger.Warn {
		logging.Warnf(ctx, "[gorm] slow elapsed=%s threshold=%s rows=%d sql=%s", elapsed, l.slowThreshold, rows, sqlStr)
		return
	}
	if l.logLevel >= logger.Info {
		logging.Debugf(ctx, "[gorm] elapsed=%s rows=%d sql=%s", elapsed, rows, sqlStr)
	}
}
