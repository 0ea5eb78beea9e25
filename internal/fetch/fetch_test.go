package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedshare/internal/feedshare"
	"github.com/jdholdren/feedshare/internal/scrape"
)

type fakeStore struct {
	mu sync.Mutex

	users  map[string]feedshare.User // by username
	grants map[feedshare.FetchKey]bool
	creds  map[string][]byte
	cached map[feedshare.FetchKey]feedshare.CachedTimeline

	puts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]feedshare.User),
		grants: make(map[feedshare.FetchKey]bool),
		creds:  make(map[string][]byte),
		cached: make(map[feedshare.FetchKey]feedshare.CachedTimeline),
	}
}

func (s *fakeStore) UserByUsername(ctx context.Context, username string) (feedshare.User, error) {
	usr, ok := s.users[username]
	if !ok {
		return feedshare.User{}, feedshare.ErrNotFound
	}
	return usr, nil
}

func (s *fakeStore) HasGrant(ctx context.Context, granteeID, ownerID string) (bool, error) {
	return s.grants[feedshare.FetchKey{RequesterID: granteeID, TargetID: ownerID}], nil
}

func (s *fakeStore) Credentials(ctx context.Context, userID string) ([]byte, error) {
	bundle, ok := s.creds[userID]
	if !ok {
		return nil, feedshare.ErrNoCredentials
	}
	return bundle, nil
}

func (s *fakeStore) CachedTimeline(ctx context.Context, key feedshare.FetchKey) (feedshare.CachedTimeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.cached[key]
	if !ok || tl.Expired(time.Now()) {
		return feedshare.CachedTimeline{}, feedshare.ErrNotFound
	}
	return tl, nil
}

func (s *fakeStore) PutCachedTimeline(ctx context.Context, key feedshare.FetchKey, records []feedshare.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.cached[key] = feedshare.CachedTimeline{
		Key:       key,
		Records:   records,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.puts++

	return nil
}

type fakeSource struct {
	pages   [][]scrape.RawItem
	err     error
	started chan struct{} // closed when the first page is requested, if set
	release chan struct{} // Next blocks until closed, if set

	calls atomic.Int64
}

func (s *fakeSource) Timeline(ctx context.Context, bundle []byte, pageSize int) (TimelinePager, error) {
	s.calls.Add(1)
	return &fakePager{src: s}, nil
}

type fakePager struct {
	src *fakeSource
	i   int
}

func (p *fakePager) Next(ctx context.Context) ([]scrape.RawItem, error) {
	if p.i == 0 {
		if p.src.started != nil {
			close(p.src.started)
		}
		if p.src.release != nil {
			select {
			case <-p.src.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if p.src.err != nil {
		return nil, p.src.err
	}
	if p.i >= len(p.src.pages) {
		return nil, nil
	}

	page := p.src.pages[p.i]
	p.i++

	return page, nil
}

// Seeds u1 (requester) and u2 (target, with credentials and a grant to
// u1) and returns the store.
func grantedStore() *fakeStore {
	store := newFakeStore()
	store.users["requester"] = feedshare.User{ID: "u1", Username: "requester"}
	store.users["target"] = feedshare.User{ID: "u2", Username: "target"}
	store.grants[feedshare.FetchKey{RequesterID: "u1", TargetID: "u2"}] = true
	store.creds["u2"] = []byte(`{"auth_token":"tok"}`)

	return store
}

func TestFetchFeed_FreshCacheSkipsSource(t *testing.T) {
	var (
		store = grantedStore()
		src   = &fakeSource{}
		key   = feedshare.FetchKey{RequesterID: "u1", TargetID: "u2"}
	)
	store.cached[key] = feedshare.CachedTimeline{
		Key:       key,
		Records:   []feedshare.Record{{ItemID: "1"}, {ItemID: "2"}},
		FetchedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	o := New(store, src, Config{})
	defer o.Close()

	res, err := o.FetchFeed(context.Background(), "u1", "target")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Len(t, res.Records, 2)
	assert.Zero(t, src.calls.Load(), "cache hit must never invoke the source")
}

func TestFetchFeed_NoGrantIsForbidden(t *testing.T) {
	var (
		store = grantedStore()
		key   = feedshare.FetchKey{RequesterID: "u1", TargetID: "u2"}
	)
	delete(store.grants, key)

	// Even with a fresh cached row, no grant means no feed.
	store.cached[key] = feedshare.CachedTimeline{
		Key:       key,
		Records:   []feedshare.Record{{ItemID: "1"}},
		FetchedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	o := New(store, &fakeSource{}, Config{})
	defer o.Close()

	_, err := o.FetchFeed(context.Background(), "u1", "target")
	assert.ErrorIs(t, err, feedshare.ErrForbidden)
}

func TestFetchFeed_MissingCredentials(t *testing.T) {
	store := grantedStore()
	delete(store.creds, "u2")

	o := New(store, &fakeSource{}, Config{})
	defer o.Close()

	_, err := o.FetchFeed(context.Background(), "u1", "target")
	assert.ErrorIs(t, err, feedshare.ErrNoCredentials)
}

func TestFetchFeed_SelfFetchRejected(t *testing.T) {
	store := grantedStore()

	o := New(store, &fakeSource{}, Config{})
	defer o.Close()

	_, err := o.FetchFeed(context.Background(), "u1", "requester")
	assert.ErrorIs(t, err, feedshare.ErrSelfFetch)
}

func TestFetchFeed_UnknownTarget(t *testing.T) {
	store := grantedStore()

	o := New(store, &fakeSource{}, Config{})
	defer o.Close()

	_, err := o.FetchFeed(context.Background(), "u1", "nobody")
	assert.ErrorIs(t, err, feedshare.ErrNotFound)
}

func TestFetchFeed_SuccessPopulatesCache(t *testing.T) {
	var (
		store = grantedStore()
		src   = &fakeSource{
			pages: [][]scrape.RawItem{
				{{ID: "1"}, {ID: "2"}},
				{{ID: "3"}},
			},
		}
	)

	o := New(store, src, Config{})
	defer o.Close()

	res, err := o.FetchFeed(context.Background(), "u1", "target")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, 1, store.puts)

	// Immediate retry serves the cache without another scrape.
	res, err = o.FetchFeed(context.Background(), "u1", "target")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestFetchFeed_RecordCapHonored(t *testing.T) {
	var (
		store = grantedStore()
		src   = &fakeSource{
			pages: [][]scrape.RawItem{
				{{ID: "1"}, {ID: "2"}},
				{{ID: "3"}, {ID: "4"}},
			},
		}
	)

	o := New(store, src, Config{MaxRecords: 3})
	defer o.Close()

	res, err := o.FetchFeed(context.Background(), "u1", "target")
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
}

func TestFetchFeed_DuplicateCallerGetsInProgress(t *testing.T) {
	var (
		store = grantedStore()
		src   = &fakeSource{
			pages:   [][]scrape.RawItem{{{ID: "1"}}},
			started: make(chan struct{}),
			release: make(chan struct{}),
		}
	)

	o := New(store, src, Config{})
	defer o.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := o.FetchFeed(context.Background(), "u1", "target")
		firstDone <- err
	}()

	// Wait until the first fetch is inside the source, then collide.
	<-src.started
	_, err := o.FetchFeed(context.Background(), "u1", "target")
	assert.ErrorIs(t, err, feedshare.ErrFetchInProgress)

	close(src.release)
	require.NoError(t, <-firstDone)

	// Slot released: the next call proceeds (and hits the fresh cache).
	res, err := o.FetchFeed(context.Background(), "u1", "target")
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

func TestFetchFeed_SourceFailureReleasesSlot(t *testing.T) {
	var (
		store = grantedStore()
		src   = &fakeSource{err: errors.New("auth expired")}
	)

	o := New(store, src, Config{})
	defer o.Close()

	_, err := o.FetchFeed(context.Background(), "u1", "target")
	require.ErrorIs(t, err, feedshare.ErrFetchFailed)
	assert.Zero(t, store.puts, "failed fetch must leave the cache untouched")

	// The slot was released on the failure path: a retry fails the same
	// way instead of reporting an in-flight fetch.
	_, err = o.FetchFeed(context.Background(), "u1", "target")
	assert.ErrorIs(t, err, feedshare.ErrFetchFailed)
}

func TestFetchFeed_FetchTimeout(t *testing.T) {
	var (
		store = grantedStore()
		src   = &fakeSource{
			pages:   [][]scrape.RawItem{{{ID: "1"}}},
			release: make(chan struct{}), // never released
		}
	)

	o := New(store, src, Config{FetchTimeout: 30 * time.Millisecond})
	defer o.Close()

	_, err := o.FetchFeed(context.Background(), "u1", "target")
	require.ErrorIs(t, err, feedshare.ErrFetchFailed)
	assert.Zero(t, store.puts)
}
