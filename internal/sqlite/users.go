package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

func (r Repo) CreateUser(ctx context.Context, usr feedshare.User) (feedshare.User, error) {
	usr.ID = uuid.NewString() + "-usr"
	usr.IsActive = true
	usr.CreatedAt = time.Now().UTC()

	const q = `
	INSERT INTO users (id, username, email, password_hash, is_active, created_at)
	VALUES (:id, :username, :email, :password_hash, :is_active, :created_at)
	`
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.NamedExecContext(ctx, q, usr)
		return err
	})
	if isConflict(err) {
		return feedshare.User{}, feedshare.ErrConflict
	}
	if err != nil {
		return feedshare.User{}, fmt.Errorf("error inserting user: %s", err)
	}

	return usr, nil
}

func (r Repo) User(ctx context.Context, id string) (feedshare.User, error) {
	const q = `
	SELECT id, username, email, password_hash, is_active, created_at, last_login_at
	FROM users
	WHERE id = ?
	`
	var usr feedshare.User
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &usr, q, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return feedshare.User{}, feedshare.ErrNotFound
	}
	if err != nil {
		return feedshare.User{}, fmt.Errorf("error fetching user: %s", err)
	}

	return usr, nil
}

func (r Repo) UserByUsername(ctx context.Context, username string) (feedshare.User, error) {
	const q = `
	SELECT id, username, email, password_hash, is_active, created_at, last_login_at
	FROM users
	WHERE username = ?
	`
	var usr feedshare.User
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &usr, q, username)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return feedshare.User{}, feedshare.ErrNotFound
	}
	if err != nil {
		return feedshare.User{}, fmt.Errorf("error fetching user by username: %s", err)
	}

	return usr, nil
}

func (r Repo) UpdateUser(ctx context.Context, id string, args feedshare.UpdateUserArgs) error {
	b := sq.Update("users").Where(sq.Eq{"id": id})

	set := false
	if args.Email != "" {
		b = b.Set("email", args.Email)
		set = true
	}
	if !args.LastLoginAt.IsZero() {
		b = b.Set("last_login_at", args.LastLoginAt.UTC())
		set = true
	}
	if args.IsActive != nil {
		b = b.Set("is_active", *args.IsActive)
		set = true
	}
	if !set {
		return nil
	}

	q, qargs, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("error building update query: %s", err)
	}

	var res sql.Result
	err = r.withRetry(ctx, func(ctx context.Context) error {
		var execErr error
		res, execErr = r.db.ExecContext(ctx, q, qargs...)
		return execErr
	})
	if isConflict(err) {
		return feedshare.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("error updating user: %s", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking rows affected: %s", err)
	}
	if n == 0 {
		return feedshare.ErrNotFound
	}

	return nil
}

// DeleteUser removes the account. Shares, grants, credentials, and
// cached timelines go with it via cascading deletes.
func (r Repo) DeleteUser(ctx context.Context, id string) error {
	const q = `
	DELETE FROM users WHERE id = ?
	`
	var res sql.Result
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var execErr error
		res, execErr = r.db.ExecContext(ctx, q, id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("error deleting user: %s", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking rows affected: %s", err)
	}
	if n == 0 {
		return feedshare.ErrNotFound
	}

	return nil
}
