package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/loadoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Client owns the process-wide database handle. It is created once at
// startup, started before any component that uses it, and shared
// read-only by every store built on top of it.
type Client interface {
	Start(ctx context.Context) error
	Stop() error

	// DB returns the connection pool. It is nil until Start succeeds.
	DB() *gorm.DB

	// QueryTimeout is the bound applied to every store read and write.
	QueryTimeout() time.Duration

	// Migrate creates or updates the tables backing the given models.
	Migrate(ctx context.Context, models ...any) error
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	cfg     *config.DatabaseConfig
	db      *gorm.DB
	timeout time.Duration
}

// NewClient creates a new database client for the configured driver.
func NewClient(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Client {
	return &client{
		log: log.WithField("component", "database"),
		cfg: cfg,
	}
}

// Start opens the database connection.
func (c *client) Start(ctx context.Context) error {
	timeout, err := c.cfg.QueryTimeoutDuration()
	if err != nil {
		return fmt.Errorf("parsing query timeout: %w", err)
	}

	c.timeout = timeout

	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch c.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(c.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.cfg.Postgres.Host,
			c.cfg.Postgres.Port,
			c.cfg.Postgres.User,
			c.cfg.Postgres.Password,
			c.cfg.Postgres.Database,
			c.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", c.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	// SQLite serializes writers anyway, and every new connection to
	// ":memory:" would open a different empty database.
	if c.cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	c.db = db

	c.log.WithField("driver", c.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (c *client) Stop() error {
	if c.db == nil {
		return nil
	}

	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (c *client) DB() *gorm.DB {
	return c.db
}

func (c *client) QueryTimeout() time.Duration {
	return c.timeout
}

// Migrate runs gorm auto-migrations for the given models.
func (c *client) Migrate(ctx context.Context, models ...any) error {
	if c.db == nil {
		return fmt.Errorf("database not started")
	}

	if err := c.db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
