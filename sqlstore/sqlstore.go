// Package sqlstore persists the ledger and idempotency registry through
// GORM. Postgres is the production target; any GORM dialector that
// translates unique violations works.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PgErrUniqueViolation is the Postgres unique_violation code.
const PgErrUniqueViolation = "23505"

// maxWriteRetries bounds retries of a write that lost a uniqueness race.
const maxWriteRetries = 8

// Open opens a database through dialector with unique violations
// translated and queries logged to logger.
func Open(dialector gorm.Dialector, logger zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(logger, 200*time.Millisecond),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// OpenPostgres opens a Postgres database from a DSN.
func OpenPostgres(dsn string, logger zerolog.Logger) (*gorm.DB, error) {
	return Open(postgres.Open(dsn), logger)
}

// Migrate creates or updates the payflow tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&transactionRow{},
		&stepRow{},
		&idempotencyRow{},
		&outboxRow{},
	)
}

// IsUniqueViolation reports whether err is a duplicate key error from any
// supported driver.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation
}

// transact runs fn in a database transaction, retrying when a concurrent
// writer inserted the same primary key first.
func transact(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	for i := 0; ; i++ {
		err := db.WithContext(ctx).Transaction(fn)
		if IsUniqueViolation(err) && i < maxWriteRetries {
			continue
		}
		return err
	}
}

// GormLogger sends GORM logs to zerolog. Queries are logged at trace level;
// failed and slow queries at warn.
type GormLogger struct {
	logger zerolog.Logger
	slow   time.Duration
}

var _ gormlogger.Interface = GormLogger{}

func NewGormLogger(logger zerolog.Logger, slow time.Duration) GormLogger {
	return GormLogger{logger: logger.With().Str("component", "gorm").Logger(), slow: slow}
}

func (l GormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }

func (l GormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	l.logger.Info().Msgf(msg, data...)
}

func (l GormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	l.logger.Warn().Msgf(msg, data...)
}

func (l GormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	l.logger.Error().Msgf(msg, data...)
}

func (l GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !IsUniqueViolation(err):
		sql, rows := fc()
		l.logger.Warn().Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query failed")
	case l.slow > 0 && elapsed > l.slow:
		sql, rows := fc()
		l.logger.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("slow query")
	default:
		if e := l.logger.Trace(); e.Enabled() {
			sql, rows := fc()
			e.Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query")
		}
	}
}
