package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/mediavault/fetchd/pkg/logger"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const (
	SqlDialect          = "postgres"
	SqlConnectionString = "host=%s user=%s password=%s dbname=%s port=%s sslmode=disable"
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")
)

type (
	DatabaseConfig struct {
		User     string `yaml:"username" env:"DB_USERNAME" env-required:"true"`
		Password string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
		Name     string `yaml:"name" env:"DB_NAME" env-default:"FETCHD_DB"`
		Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
		Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	}

	// Queryable is the subset of sqlx behaviour the stores depend on;
	// both *sqlx.DB and *sqlx.Tx satisfy it, so store methods can run
	// standalone or inside a wrapped transaction.
	Queryable interface {
		Get(dest interface{}, query string, args ...interface{}) error
		Select(dest interface{}, query string, args ...interface{}) error
		Exec(query string, args ...interface{}) (sql.Result, error)
		NamedExec(query string, arg interface{}) (sql.Result, error)
		Rebind(query string) string
	}

	SqlLogger struct {
		logger logger.Logger
	}

	Manager interface {
		Connect(DatabaseConfig) error
		ExecuteMigrations() error
		GetSqlxDb() *sqlx.DB
	}

	manager struct {
		rawDb *sql.DB
		db    *sqlx.DB
	}
)

func New() *manager {
	return &manager{}
}

func (db *manager) Connect(config DatabaseConfig) error {
	dsn := fmt.Sprintf(SqlConnectionString, config.Host, config.User, config.Password, config.Name, config.Port)
	sqlDb, err := sql.Open(SqlDialect, dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	sqlDb = sqldblogger.OpenDriver(dsn, sqlDb.Driver(), &SqlLogger{dbLogger})

	attempt := 1
	for {
		err := sqlDb.Ping()
		if err != nil {
			if attempt >= 5 {
				dbLogger.Emit(logger.ERROR, "All attempts FAILED!\n")
				return err
			}

			dbLogger.Emit(logger.WARNING, "Attempt (%v/5) failed... Retrying in 3s\n", attempt)
			attempt++
			time.Sleep(time.Second * 3)
			continue
		}

		db.rawDb = sqlDb
		db.db = sqlx.NewDb(sqlDb, SqlDialect)

		break
	}

	if err := db.ExecuteMigrations(); err != nil {
		return err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return nil
}

// ExecuteMigrations uses the comp-time embedded SQL migrations (found in the
// 'migrations' dir in this package) and runs them against the current DB instance.
//
// Note that this method must only be called following a successful DB connection.
func (db *manager) ExecuteMigrations() error {
	rawDb := db.rawDb
	if rawDb == nil {
		return errors.New("cannot execute migrations when DB manager has not yet connected")
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(SqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(rawDb, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	dbLogger.Emit(logger.SUCCESS, "DB migration complete!\n")
	return nil
}

// GetSqlxDb returns the sqlx database handle if one has been opened
// using 'Connect'. Otherwise, nil is returned.
func (db *manager) GetSqlxDb() *sqlx.DB {
	return db.db
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		duration := data["duration"]
		query, ok := data["query"]
		if ok {
			l.logger.Verbosef("%s [%.2fms] -- %s\n", msg, duration, query)
		} else {
			l.logger.Verbosef("%s [%.2fms]\n", msg, duration)
		}
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// InTx runs the provided function inside a transaction when the given
// Queryable is a root database handle. A Queryable that is already a
// transaction (or a test double) is passed through unchanged, so store
// methods compose without nesting transactions.
func InTx(db Queryable, f func(q Queryable) error) error {
	if sqlxDb, ok := db.(*sqlx.DB); ok {
		return WrapTx(sqlxDb, func(tx *sqlx.Tx) error { return f(tx) })
	}

	return f(db)
}

// WrapTx starts a transaction against the provided DB, and then calls the user
// provided function. If this function errors, the transaction is rolled back - otherwise
// the transaction is committed.
func WrapTx(db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		dbLogger.Errorf("Transaction failed... rolling back. Error: %s\n", err.Error())
		return err
	}

	return tx.Commit()
}
