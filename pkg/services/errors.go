// Package services implements the typed persistence layer over PostgreSQL:
// summaries, guild configs, scheduled tasks, task executions, and the durable
// cache tier.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/recapd/recapd/pkg/models"
)

// Postgres error classes we translate. Everything else is treated as a
// transient store failure the caller may retry.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// mapDBError translates driver errors into the domain error taxonomy.
func mapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgForeignKeyViolation, pgCheckViolation:
			return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, models.ErrConstraint)
		}
	}

	return fmt.Errorf("%s: %v: %w", op, err, models.ErrStoreUnavailable)
}
