package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
)

// Store wraps the gorm handle together with the lock timeout every
// transaction runs under. It is created once at startup and passed to the
// components explicitly so tests can substitute their own.
type Store struct {
	DB          *gorm.DB
	LockTimeout time.Duration
}

// Connect opens the postgres connection with the configured pool limits and
// returns a Store. The DSN is logged masked.
func Connect(cfg *config.DBConfig) (*Store, error) {
	gormDB, err := gorm.Open(postgres.Open(cfg.DatabaseURI), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.PoolSize)
	sqlDB.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	sqlDB.SetConnMaxLifetime(time.Hour)

	common.Logger.WithField("uri", common.MaskSecret(cfg.DatabaseURI)).Info("connected to postgres")

	return &Store{
		DB:          gormDB,
		LockTimeout: time.Duration(cfg.PoolTimeoutSeconds) * time.Second,
	}, nil
}

// Transaction runs fn inside one begin/commit with the store's lock timeout
// applied. Lock timeouts, deadlocks, serialization failures and concurrent
// unique violations come back classified as retryable conflicts.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.LockTimeout > 0 {
			timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())
			if err := tx.Exec(timeout).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
	return Classify(err)
}

// Classify maps database errors onto the shared error kinds. Anything not
// recognized passes through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%v: %w", err, common.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03": // lock_not_available
			return common.NewConflictError("row lock timeout", err)
		case "40001": // serialization_failure
			return common.NewConflictError("serialization failure", err)
		case "40P01": // deadlock_detected
			return common.NewConflictError("deadlock detected", err)
		case "23505": // unique_violation
			return common.NewConflictError("concurrent unique violation", err)
		}
	}
	return err
}

// Now reads the database server clock. Inside a transaction this is the
// transaction start time, which keeps audit timestamps monotonic.
func Now(tx *gorm.DB) (time.Time, error) {
	var now time.Time
	if err := tx.Raw("SELECT now()").Scan(&now).Error; err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return now, nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close tears the connection pool down.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
