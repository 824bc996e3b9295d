package colorbot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// DBI is the subset of database operations used by the bot
type DBI interface {
	// DB returns the underlying gorm connection, for reads
	DB() *gorm.DB

	// Create inserts value, serializing writes when concurrent writes
	// aren't supported (sqlite)
	Create(ctx context.Context, value any) (rowsAffected int64, err error)

	// Migrate creates or updates the tables for every model
	Migrate(ctx context.Context) error
}

// database wraps a gorm connection, serializing writes when the
// underlying database doesn't handle concurrent writes well (sqlite).
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI wrapping db. When enableConcurrentWrites is
// false, writes are serialized with a mutex.
func NewDatabase(db *gorm.DB, enableConcurrentWrites bool) DBI {
	return &database{
		db:                     db,
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Migrate(ctx context.Context) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	return migrate(ctx, d.db)
}

func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(&ColorCommand{}); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// CreateDB opens the database and runs migrations. This is used by the
// `init` command, which creates the database ahead of time.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, nil)
	if err != nil {
		return nil, err
	}
	if err = migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// getDB opens a gorm connection for the given database type. For sqlite,
// the parent directory of the database file is created if needed.
func getDB(
	databaseType string,
	database string,
	gormLogger logger.Interface,
) (*gorm.DB, error) {
	cfg := &gorm.Config{}
	if gormLogger != nil {
		cfg.Logger = gormLogger
	}

	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(database); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		db, err := gorm.Open(sqlite.Open(database), cfg)
		if err != nil {
			return nil, fmt.Errorf("error opening sqlite database: %w", err)
		}
		return db, nil
	case dbTypePostgres:
		db, err := gorm.Open(postgres.Open(database), cfg)
		if err != nil {
			return nil, fmt.Errorf("error opening postgres database: %w", err)
		}
		return db, nil
	default:
		return nil, errors.New("invalid database type (must be 'sqlite' or 'postgres')")
	}
}

// configureSQLite limits the connection pool and sets pragmas. sqlite
// only supports a single writer.
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}
