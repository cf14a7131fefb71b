package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"chatstream/internal/config"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite3/*.sql migrations/mysql/*.sql
var migrations embed.FS

// Open connects to the database selected by dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", sqliteDSN(dbCfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY
		// between pooled connections.
		db.SetMaxOpenConns(1)
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = mysqlDSN(dbCfg)
		} else if dsn, err = withParseTime(dsn); err != nil {
			return nil, err
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk=") {
		dsn += sep + "_foreign_keys=on"
		sep = "&"
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		dsn += sep + "_busy_timeout=5000"
	}
	return dsn
}

func mysqlDSN(dbCfg config.DatabaseConfig) string {
	mc := mysql.NewConfig()
	mc.User = dbCfg.Username
	mc.Passwd = dbCfg.Password
	mc.Net = "tcp"
	port := dbCfg.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = fmt.Sprintf("%s:%d", dbCfg.Host, port)
	mc.DBName = dbCfg.DBName
	mc.ParseTime = true
	dsn := mc.FormatDSN() + "&charset=utf8mb4"
	if dbCfg.Params != "" {
		dsn += "&" + strings.TrimPrefix(dbCfg.Params, "?")
	}
	// Round-trip so driver options such as timeout land in their fields
	// instead of being sent as session variables.
	if parsed, err := mysql.ParseDSN(dsn); err == nil {
		return parsed.FormatDSN()
	}
	return dsn
}

// withParseTime forces parseTime on a user supplied DSN; DATETIME columns
// scan into time.Time.
func withParseTime(dsn string) (string, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

func migrationProvider(db *sql.DB, driver string) (*goose.Provider, error) {
	var (
		dialect goose.Dialect
		dir     string
	)
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		dialect, dir = goose.DialectSQLite3, "migrations/sqlite3"
	case "mysql":
		dialect, dir = goose.DialectMySQL, "migrations/mysql"
	default:
		return nil, fmt.Errorf("unsupported driver for migration: %s", driver)
	}
	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	return goose.NewProvider(dialect, db, fsys)
}

// Migrate applies every pending migration for the driver and returns the
// number of migrations applied.
func Migrate(ctx context.Context, db *sql.DB, driver string) (int, error) {
	provider, err := migrationProvider(db, driver)
	if err != nil {
		return 0, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("migrate (%s): %w", driver, err)
	}
	return len(results), nil
}

// MigrationVersion reports the schema version currently applied.
func MigrationVersion(ctx context.Context, db *sql.DB, driver string) (int64, error) {
	provider, err := migrationProvider(db, driver)
	if err != nil {
		return 0, err
	}
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("migration version (%s): %w", driver, err)
	}
	return version, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure from
// either supported driver.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
