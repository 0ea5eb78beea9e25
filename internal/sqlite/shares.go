package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

// CreateShare records the authorization from both sides in one
// transaction. Re-sharing an existing pair is a no-op.
func (r Repo) CreateShare(ctx context.Context, ownerID, granteeID string) error {
	now := time.Now().UTC()

	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("error beginning transaction: %s", err)
		}
		defer tx.Rollback() //nolint:errcheck

		const insertShare = `
		INSERT OR IGNORE INTO feed_shares (owner_id, grantee_id, created_at)
		VALUES (?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, insertShare, ownerID, granteeID, now); err != nil {
			return fmt.Errorf("error inserting share: %s", err)
		}

		const insertGrant = `
		INSERT OR IGNORE INTO feed_grants (user_id, fetch_from_id, created_at)
		VALUES (?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, insertGrant, granteeID, ownerID, now); err != nil {
			return fmt.Errorf("error inserting grant: %s", err)
		}

		return tx.Commit()
	})
}

// DeleteShare revokes the authorization from both sides in one
// transaction. Returns ErrNotFound when no share exists.
func (r Repo) DeleteShare(ctx context.Context, ownerID, granteeID string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("error beginning transaction: %s", err)
		}
		defer tx.Rollback() //nolint:errcheck

		const deleteShare = `
		DELETE FROM feed_shares WHERE owner_id = ? AND grantee_id = ?
		`
		res, err := tx.ExecContext(ctx, deleteShare, ownerID, granteeID)
		if err != nil {
			return fmt.Errorf("error deleting share: %s", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error checking rows affected: %s", err)
		}
		if n == 0 {
			return feedshare.ErrNotFound
		}

		const deleteGrant = `
		DELETE FROM feed_grants WHERE user_id = ? AND fetch_from_id = ?
		`
		if _, err := tx.ExecContext(ctx, deleteGrant, granteeID, ownerID); err != nil {
			return fmt.Errorf("error deleting grant: %s", err)
		}

		return tx.Commit()
	})
}

func (r Repo) HasGrant(ctx context.Context, granteeID, ownerID string) (bool, error) {
	const q = `
	SELECT EXISTS (
		SELECT 1 FROM feed_grants WHERE user_id = ? AND fetch_from_id = ?
	)
	`
	var ok bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &ok, q, granteeID, ownerID)
	})
	if err != nil {
		return false, fmt.Errorf("error checking grant: %s", err)
	}

	return ok, nil
}

// SharedWith lists the users the owner has shared their feed with.
func (r Repo) SharedWith(ctx context.Context, ownerID string) ([]feedshare.User, error) {
	const q = `
	SELECT u.id, u.username, u.email, u.password_hash, u.is_active, u.created_at, u.last_login_at
	FROM feed_shares fs
	JOIN users u ON u.id = fs.grantee_id
	WHERE fs.owner_id = ?
	ORDER BY u.username
	`
	var usrs []feedshare.User
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.SelectContext(ctx, &usrs, q, ownerID)
	})
	if err != nil {
		return nil, fmt.Errorf("error listing shared users: %s", err)
	}

	return usrs, nil
}

// FetchableBy lists the users whose feeds the grantee may fetch.
func (r Repo) FetchableBy(ctx context.Context, granteeID string) ([]feedshare.User, error) {
	const q = `
	SELECT u.id, u.username, u.email, u.password_hash, u.is_active, u.created_at, u.last_login_at
	FROM feed_grants fg
	JOIN users u ON u.id = fg.fetch_from_id
	WHERE fg.user_id = ?
	ORDER BY u.username
	`
	var usrs []feedshare.User
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.SelectContext(ctx, &usrs, q, granteeID)
	})
	if err != nil {
		return nil, fmt.Errorf("error listing fetchable users: %s", err)
	}

	return usrs, nil
}
