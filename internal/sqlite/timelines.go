package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

type cachedTimelineRow struct {
	RequesterID string    `db:"requester_id"`
	TargetID    string    `db:"target_id"`
	Records     []byte    `db:"records"`
	FetchedAt   time.Time `db:"fetched_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

// CachedTimeline returns ErrNotFound for a missing row and for one
// past its expiry; callers never see stale data.
func (r Repo) CachedTimeline(ctx context.Context, key feedshare.FetchKey) (feedshare.CachedTimeline, error) {
	const q = `
	SELECT requester_id, target_id, records, fetched_at, expires_at
	FROM cached_timelines
	WHERE requester_id = ? AND target_id = ?
	`
	var row cachedTimelineRow
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &row, q, key.RequesterID, key.TargetID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return feedshare.CachedTimeline{}, feedshare.ErrNotFound
	}
	if err != nil {
		return feedshare.CachedTimeline{}, fmt.Errorf("error fetching cached timeline: %s", err)
	}

	tl := feedshare.CachedTimeline{
		Key:       key,
		FetchedAt: row.FetchedAt,
		ExpiresAt: row.ExpiresAt,
	}
	if tl.Expired(time.Now()) {
		return feedshare.CachedTimeline{}, feedshare.ErrNotFound
	}
	if err := json.Unmarshal(row.Records, &tl.Records); err != nil {
		return feedshare.CachedTimeline{}, fmt.Errorf("error decoding cached records: %s", err)
	}

	return tl, nil
}

// PutCachedTimeline upserts the row, resetting the TTL on overwrite.
func (r Repo) PutCachedTimeline(ctx context.Context, key feedshare.FetchKey, records []feedshare.Record, ttl time.Duration) error {
	byts, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("error encoding records: %s", err)
	}
	now := time.Now().UTC()

	const q = `
	INSERT INTO cached_timelines (requester_id, target_id, records, fetched_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (requester_id, target_id) DO UPDATE SET
		records = excluded.records,
		fetched_at = excluded.fetched_at,
		expires_at = excluded.expires_at
	`
	err = r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, q, key.RequesterID, key.TargetID, byts, now, now.Add(ttl))
		return err
	})
	if err != nil {
		return fmt.Errorf("error storing cached timeline: %s", err)
	}

	return nil
}

func (r Repo) SweepExpired(ctx context.Context) (int64, error) {
	const q = `
	DELETE FROM cached_timelines WHERE expires_at <= ?
	`
	var res sql.Result
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var execErr error
		res, execErr = r.db.ExecContext(ctx, q, time.Now().UTC())
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("error sweeping expired timelines: %s", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error checking rows affected: %s", err)
	}

	return n, nil
}
