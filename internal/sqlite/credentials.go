package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

// SaveCredentials upserts the opaque cookie bundle. The bundle is
// stored as-is; nothing here inspects it.
func (r Repo) SaveCredentials(ctx context.Context, userID string, bundle []byte) error {
	const q = `
	INSERT INTO user_credentials (user_id, bundle, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE SET
		bundle = excluded.bundle,
		updated_at = excluded.updated_at
	`
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, q, userID, bundle, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("error saving credentials: %s", err)
	}

	return nil
}

func (r Repo) Credentials(ctx context.Context, userID string) ([]byte, error) {
	const q = `
	SELECT bundle FROM user_credentials WHERE user_id = ?
	`
	var bundle []byte
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &bundle, q, userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, feedshare.ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching credentials: %s", err)
	}

	return bundle, nil
}
