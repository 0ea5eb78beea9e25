// Package fetch is the orchestration core: it gates timeline fetches
// behind the sharing authorization, serves cached copies, and makes
// sure at most one scrape runs per (requester, target) pair.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jdholdren/feedshare/internal/feedshare"
	"github.com/jdholdren/feedshare/internal/scrape"
)

type (
	// TimelineSource produces raw timeline items for a user given their
	// opaque credential bundle. Every failure mode it has (expired
	// auth, rate limit, network fault) is treated the same way here.
	TimelineSource interface {
		Timeline(ctx context.Context, bundle []byte, pageSize int) (TimelinePager, error)
	}

	// TimelinePager yields pages lazily; (nil, nil) means exhausted.
	TimelinePager interface {
		Next(ctx context.Context) ([]scrape.RawItem, error)
	}

	// Store is the slice of the repository the orchestrator reads and
	// writes. It never mutates authorizations.
	Store interface {
		UserByUsername(ctx context.Context, username string) (feedshare.User, error)
		HasGrant(ctx context.Context, granteeID, ownerID string) (bool, error)
		Credentials(ctx context.Context, userID string) ([]byte, error)
		CachedTimeline(ctx context.Context, key feedshare.FetchKey) (feedshare.CachedTimeline, error)
		PutCachedTimeline(ctx context.Context, key feedshare.FetchKey, records []feedshare.Record, ttl time.Duration) error
	}
)

// SourceFromClient adapts the scraper client to the TimelineSource
// surface.
func SourceFromClient(c *scrape.Client) TimelineSource {
	return clientSource{c: c}
}

type clientSource struct {
	c *scrape.Client
}

func (s clientSource) Timeline(ctx context.Context, bundle []byte, pageSize int) (TimelinePager, error) {
	return s.c.Timeline(ctx, bundle, pageSize)
}

type (
	// Orchestrator runs the fetch pipeline.
	Orchestrator struct {
		store    Store
		source   TimelineSource
		inflight *Inflight
		pool     *Pool

		// Read-through in front of the persistent cache rows. Entries
		// are validated against their own expiry before use, so this
		// never serves anything the database row wouldn't.
		hot *lru.Cache[feedshare.FetchKey, feedshare.CachedTimeline]

		fetchTimeout time.Duration
		cacheTTL     time.Duration
		pageSize     int
		maxRecords   int
	}

	Config struct {
		// Workers is the size of the fetch pool.
		Workers int
		// FetchTimeout bounds one whole scrape; it is the only way an
		// in-flight fetch gets cancelled.
		FetchTimeout time.Duration
		// CacheTTL is how long a fetched timeline stays servable.
		CacheTTL time.Duration
		// PageSize is the per-page hint passed to the source.
		PageSize int
		// MaxRecords caps how many items one fetch keeps.
		MaxRecords int
	}

	// Result is the outcome of one FetchFeed call.
	Result struct {
		Records   []feedshare.Record
		FetchedAt time.Time
		Cached    bool
	}
)

const (
	defaultWorkers      = 5
	defaultFetchTimeout = 300 * time.Second
	defaultCacheTTL     = time.Hour
	defaultPageSize     = 20
	defaultMaxRecords   = 100
	hotCacheSize        = 1024
)

func New(store Store, source TimelineSource, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}

	cache, _ := lru.New[feedshare.FetchKey, feedshare.CachedTimeline](hotCacheSize)

	return &Orchestrator{
		store:        store,
		source:       source,
		inflight:     NewInflight(),
		pool:         NewPool(cfg.Workers),
		hot:          cache,
		fetchTimeout: cfg.FetchTimeout,
		cacheTTL:     cfg.CacheTTL,
		pageSize:     cfg.PageSize,
		maxRecords:   cfg.MaxRecords,
	}
}

// Close stops the fetch workers.
func (o *Orchestrator) Close() {
	o.pool.Close()
}

// FetchFeed pulls the target's timeline on behalf of the requester.
//
// The requester must hold a grant from the target, and the target must
// have saved credentials. A fresh cached copy is returned without
// touching the source or the in-flight registry. Otherwise exactly one
// caller per key proceeds to scrape; everyone else gets
// [feedshare.ErrFetchInProgress] and should retry.
func (o *Orchestrator) FetchFeed(ctx context.Context, requesterID, targetUsername string) (Result, error) {
	target, err := o.store.UserByUsername(ctx, targetUsername)
	if err != nil {
		return Result{}, err
	}
	if target.ID == requesterID {
		return Result{}, feedshare.ErrSelfFetch
	}

	granted, err := o.store.HasGrant(ctx, requesterID, target.ID)
	if err != nil {
		return Result{}, err
	}
	if !granted {
		return Result{}, feedshare.ErrForbidden
	}

	bundle, err := o.store.Credentials(ctx, target.ID)
	if err != nil {
		return Result{}, err
	}

	key := feedshare.FetchKey{RequesterID: requesterID, TargetID: target.ID}

	if cached, ok := o.cachedTimeline(ctx, key); ok {
		return Result{
			Records:   cached.Records,
			FetchedAt: cached.FetchedAt,
			Cached:    true,
		}, nil
	}

	if !o.inflight.TryAcquire(key) {
		return Result{}, feedshare.ErrFetchInProgress
	}
	defer o.inflight.Release(key)

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	records, err := o.pool.Do(fetchCtx, func(ctx context.Context) ([]feedshare.Record, error) {
		return o.collect(ctx, bundle)
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", feedshare.ErrFetchFailed, err)
	}

	fetchedAt := time.Now()
	if err := o.store.PutCachedTimeline(ctx, key, records, o.cacheTTL); err != nil {
		return Result{}, fmt.Errorf("error caching fetched timeline: %w", err)
	}
	o.hot.Add(key, feedshare.CachedTimeline{
		Key:       key,
		Records:   records,
		FetchedAt: fetchedAt,
		ExpiresAt: fetchedAt.Add(o.cacheTTL),
	})

	slog.Info("fetched timeline",
		"requester_id", requesterID,
		"target", targetUsername,
		"records", len(records),
	)

	return Result{
		Records:   records,
		FetchedAt: fetchedAt,
		Cached:    false,
	}, nil
}

// cachedTimeline checks the hot cache, then the persistent rows. An
// expired entry anywhere counts as a miss.
func (o *Orchestrator) cachedTimeline(ctx context.Context, key feedshare.FetchKey) (feedshare.CachedTimeline, bool) {
	now := time.Now()
	if tl, ok := o.hot.Get(key); ok && !tl.Expired(now) {
		return tl, true
	}

	tl, err := o.store.CachedTimeline(ctx, key)
	if errors.Is(err, feedshare.ErrNotFound) {
		return feedshare.CachedTimeline{}, false
	}
	if err != nil {
		// A flaky cache read shouldn't fail the request; fall through
		// to a real fetch.
		slog.Error("error reading timeline cache", "error", err)
		return feedshare.CachedTimeline{}, false
	}

	o.hot.Add(key, tl)

	return tl, true
}

// collect drains the pager until the record cap or exhaustion.
func (o *Orchestrator) collect(ctx context.Context, bundle []byte) ([]feedshare.Record, error) {
	pager, err := o.source.Timeline(ctx, bundle, o.pageSize)
	if err != nil {
		return nil, fmt.Errorf("error starting timeline fetch: %w", err)
	}

	records := []feedshare.Record{}
	for len(records) < o.maxRecords {
		items, err := pager.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("error fetching timeline page: %w", err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			records = append(records, scrape.Normalize(item))
			if len(records) >= o.maxRecords {
				break
			}
		}
	}

	return records, nil
}
