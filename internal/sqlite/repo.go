// Package sqlite implements the storage surface over a sqlite
// database.
package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

// Ensure Repo implements the full repository surface
var _ feedshare.Repository = (*Repo)(nil)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}

const (
	retryBase  = 100 * time.Millisecond
	maxRetries = 3
)

// withRetry runs the operation, retrying transient failures with
// exponential backoff. Integrity violations and other permanent errors
// surface immediately since retrying can't resolve them.
func (r Repo) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBase))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if isTransient(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Busy and locked come and go with concurrent writers; everything else
// is permanent.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if sqliteErr := (&sqlite.Error{}); errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return true
		}
	}

	msg := err.Error()

	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// isConflict reports whether the error is a uniqueness or primary key
// violation.
func isConflict(err error) bool {
	sqliteErr := (&sqlite.Error{})
	if !errors.As(err, &sqliteErr) {
		return false
	}

	switch sqliteErr.Code() {
	case 1555, 2067: // SQLITE_CONSTRAINT_PRIMARYKEY, SQLITE_CONSTRAINT_UNIQUE
		return true
	}

	return false
}
