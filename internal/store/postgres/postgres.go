// internal/store/postgres/postgres.go
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres error codes mapped to Conflict.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

var dialect = goqu.Dialect("postgres")

// Config holds connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// LockTimeout bounds row lock waits inside read-write transactions.
	// Zero leaves the server default.
	LockTimeout time.Duration
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
	tracer      trace.Tracer
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return New(db, cfg.LockTimeout), nil
}

// New wraps an open connection pool.
func New(db *sqlx.DB, lockTimeout time.Duration) *Store {
	return &Store{
		db:          db,
		lockTimeout: lockTimeout,
		tracer:      otel.Tracer("libranexus/store"),
	}
}

// Migrate applies the embedded migrations to the database at dsn.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	logger.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx implements store.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, false, fn)
}

// ReadOnly implements store.Store.
func (s *Store) ReadOnly(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, true, fn)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx store.Tx) error) (err error) {
	ctx, span := s.tracer.Start(ctx, "store.tx", trace.WithAttributes(attribute.Bool("read_only", readOnly)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	if readOnly {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	sqlTx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return mapErr(fmt.Errorf("begin transaction: %w", err))
	}
	defer sqlTx.Rollback() //nolint:errcheck

	if !readOnly && s.lockTimeout > 0 {
		if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
			return mapErr(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// mapErr turns lock, serialization and uniqueness failures into Conflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeUniqueViolation:
		return apperr.ErrConflict.With("unique constraint %s violated", pqErr.Constraint).Wrap(err)
	case codeSerializationFailure, codeDeadlockDetected:
		return apperr.ErrConflict.With("transaction aborted by a concurrent update").Wrap(err)
	case codeLockNotAvailable:
		return apperr.ErrConflict.With("lock wait timed out").Wrap(err)
	}
	return err
}
