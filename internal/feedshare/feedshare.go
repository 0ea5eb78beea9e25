// Package feedshare holds the domain types for the feed sharing
// service: users, sharing authorizations, saved scraper credentials,
// and cached timelines.
package feedshare

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConflict = errors.New("resource already exists")
	ErrNotFound = errors.New("resource not found")

	// Outcomes of the fetch pipeline. ErrFetchInProgress is a status
	// rather than a failure: the caller is expected to retry.
	ErrSelfFetch       = errors.New("cannot fetch your own feed")
	ErrForbidden       = errors.New("feed has not been shared with requester")
	ErrNoCredentials   = errors.New("target user has no saved credentials")
	ErrFetchInProgress = errors.New("fetch already in progress")
	ErrFetchFailed     = errors.New("feed fetch failed")
)

type (
	// User is a registered account.
	User struct {
		ID           string     `db:"id"`
		Username     string     `db:"username"`
		Email        string     `db:"email"`
		PasswordHash string     `db:"password_hash"`
		IsActive     bool       `db:"is_active"`
		CreatedAt    time.Time  `db:"created_at"`
		LastLoginAt  *time.Time `db:"last_login_at"`
	}

	// ShareEdge is a directed authorization: the owner has granted the
	// grantee permission to fetch the owner's timeline. The grantee-side
	// inverse row is kept in lockstep by the repository.
	ShareEdge struct {
		OwnerID   string    `db:"owner_id"`
		GranteeID string    `db:"grantee_id"`
		CreatedAt time.Time `db:"created_at"`
	}

	// FetchKey identifies one (requester, target) fetch relationship.
	// The same value keys both the cache rows and the single-flight
	// coordinator, so it must never be canonicalized differently in
	// either place.
	FetchKey struct {
		RequesterID string
		TargetID    string
	}

	// Record is one normalized timeline item. It is immutable once
	// built; counts are always populated, defaulting to zero.
	Record struct {
		Username   string    `json:"username"`
		Name       string    `json:"name"`
		Verified   bool      `json:"verified"`
		AvatarURL  string    `json:"profile_image_url"`
		Text       string    `json:"text"`
		ItemID     string    `json:"tweet_id"`
		CreatedAt  time.Time `json:"created_at"`
		Permalink  string    `json:"url"`
		Media      []string  `json:"media"`
		LikeCount  int       `json:"like_count"`
		ShareCount int       `json:"retweet_count"`
		ReplyCount int       `json:"reply_count"`
		ViewCount  int       `json:"views"`
	}

	// CachedTimeline is the persisted result of one fetch.
	CachedTimeline struct {
		Key       FetchKey
		Records   []Record
		FetchedAt time.Time
		ExpiresAt time.Time
	}
)

// Expired reports whether the cached value must be treated as a miss.
func (c CachedTimeline) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

type (
	UserService interface {
		CreateUser(ctx context.Context, usr User) (User, error)
		User(ctx context.Context, id string) (User, error)
		UserByUsername(ctx context.Context, username string) (User, error)
		UpdateUser(ctx context.Context, id string, args UpdateUserArgs) error
		DeleteUser(ctx context.Context, id string) error
	}

	// Holds the optional fields for updating a user.
	UpdateUserArgs struct {
		Email       string
		LastLoginAt time.Time
		IsActive    *bool
	}

	ShareService interface {
		// CreateShare writes the owner-side edge and the grantee-side
		// grant atomically. DeleteShare removes both atomically.
		CreateShare(ctx context.Context, ownerID, granteeID string) error
		DeleteShare(ctx context.Context, ownerID, granteeID string) error
		// HasGrant reports whether granteeID may fetch ownerID's feed.
		HasGrant(ctx context.Context, granteeID, ownerID string) (bool, error)
		SharedWith(ctx context.Context, ownerID string) ([]User, error)
		FetchableBy(ctx context.Context, granteeID string) ([]User, error)
	}

	CredentialService interface {
		// SaveCredentials upserts the opaque scraper cookie bundle.
		SaveCredentials(ctx context.Context, userID string, bundle []byte) error
		// Credentials returns ErrNoCredentials when none are saved.
		Credentials(ctx context.Context, userID string) ([]byte, error)
	}

	TimelineCache interface {
		// CachedTimeline returns ErrNotFound for both a missing row and
		// an expired one.
		CachedTimeline(ctx context.Context, key FetchKey) (CachedTimeline, error)
		PutCachedTimeline(ctx context.Context, key FetchKey, records []Record, ttl time.Duration) error
		// SweepExpired deletes rows past expiry and returns the count.
		// Idempotent and safe to run concurrently with reads and writes.
		SweepExpired(ctx context.Context) (int64, error)
	}

	// Repository is the full storage surface.
	Repository interface {
		UserService
		ShareService
		CredentialService
		TimelineCache
	}
)
