package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/feedshare/internal/feedshare"
	"github.com/jdholdren/feedshare/internal/fetch"
	"github.com/jdholdren/feedshare/internal/migrations"
	"github.com/jdholdren/feedshare/internal/notify"
	"github.com/jdholdren/feedshare/internal/sqlite"
)

type fakeFetcher struct {
	res fetch.Result
	err error
}

func (f *fakeFetcher) FetchFeed(ctx context.Context, requesterID, targetUsername string) (fetch.Result, error) {
	return f.res, f.err
}

func newTestServer(t *testing.T) (*Server, *fakeFetcher) {
	t.Helper()

	dbx, err := sqlx.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })
	dbx.SetMaxOpenConns(1)
	require.NoError(t, migrations.Run(dbx))

	fetcher := &fakeFetcher{}
	s := NewServer(ServerConfig{
		CorsHeader: "*",
		JWTSecret:  []byte("test-secret"),
	}, sqlite.New(dbx), fetcher, notify.NewMailer(notify.Config{}), dbx)

	return s, fetcher
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)

	return rec
}

// Registers a user and returns their token.
func register(t *testing.T, s *Server, username string) string {
	t.Helper()

	rec := doJSON(t, s, http.MethodPost, "/api/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "Passw0rd!",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp tokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)

	return resp.Token
}

func TestRegister_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	for name, body := range map[string]map[string]string{
		"short username":    {"username": "ab", "email": "a@b.com", "password": "Passw0rd!"},
		"bad characters":    {"username": "a b!", "email": "a@b.com", "password": "Passw0rd!"},
		"profane username":  {"username": "fuck_this", "email": "a@b.com", "password": "Passw0rd!"},
		"bad email":         {"username": "alice", "email": "not-an-email", "password": "Passw0rd!"},
		"short password":    {"username": "alice", "email": "a@b.com", "password": "Ab1"},
		"no digit password": {"username": "alice", "email": "a@b.com", "password": "Password!"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodPost, "/api/register", "", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	s, _ := newTestServer(t)
	register(t, s, "alice")

	rec := doJSON(t, s, http.MethodPost, "/api/register", "", map[string]string{
		"username": "alice",
		"email":    "different@example.com",
		"password": "Passw0rd!",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginFlow(t *testing.T) {
	s, _ := newTestServer(t)
	register(t, s, "alice")

	rec := doJSON(t, s, http.MethodPost, "/api/login", "", map[string]string{
		"username": "alice",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// An unknown username gets the same answer as a bad password.
	rec = doJSON(t, s, http.MethodPost, "/api/login", "", map[string]string{
		"username": "nobody",
		"password": "Passw0rd!",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/login", "", map[string]string{
		"username": "alice",
		"password": "Passw0rd!",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	rec = doJSON(t, s, http.MethodGet, "/api/user/profile", resp.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var profile profileResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&profile))
	assert.Equal(t, "alice", profile.Username)
	require.NotNil(t, profile.LastLoginAt, "login must stamp last_login_at")
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/user/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/verify", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := register(t, s, "alice")
	rec = doJSON(t, s, http.MethodGet, "/api/verify", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShareFlow(t *testing.T) {
	s, _ := newTestServer(t)
	aliceToken := register(t, s, "alice")
	bobToken := register(t, s, "bob")

	// Sharing with yourself is rejected up front.
	rec := doJSON(t, s, http.MethodPost, "/api/share-feed", aliceToken, map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/share-feed", aliceToken, map[string]string{"username": "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/share-feed", aliceToken, map[string]string{"username": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/api/shared-users", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var shared userListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&shared))
	require.Len(t, shared.Users, 1)
	assert.Equal(t, "bob", shared.Users[0].Username)

	rec = doJSON(t, s, http.MethodGet, "/api/fetch-users", bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetchable userListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&fetchable))
	require.Len(t, fetchable.Users, 1)
	assert.Equal(t, "alice", fetchable.Users[0].Username)

	rec = doJSON(t, s, http.MethodDelete, "/api/unshare-feed/bob", aliceToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/unshare-feed/bob", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaveCookies(t *testing.T) {
	s, _ := newTestServer(t)
	token := register(t, s, "alice")

	rec := doJSON(t, s, http.MethodPost, "/api/save-cookies", token, map[string]any{
		"cookies": map[string]string{"auth_token": "tok"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/save-cookies", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchFeed_StatusMapping(t *testing.T) {
	s, fetcher := newTestServer(t)
	token := register(t, s, "alice")

	for _, tc := range []struct {
		err  error
		want int
	}{
		{feedshare.ErrFetchInProgress, http.StatusAccepted},
		{feedshare.ErrSelfFetch, http.StatusBadRequest},
		{feedshare.ErrNotFound, http.StatusNotFound},
		{feedshare.ErrForbidden, http.StatusForbidden},
		{feedshare.ErrNoCredentials, http.StatusPreconditionFailed},
		{fmt.Errorf("%w: scraper exploded", feedshare.ErrFetchFailed), http.StatusBadGateway},
	} {
		fetcher.err = tc.err
		rec := doJSON(t, s, http.MethodPost, "/api/fetch-feed/bob", token, nil)
		assert.Equal(t, tc.want, rec.Code, "error %v", tc.err)
	}

	fetcher.err = nil
	fetcher.res = fetch.Result{
		Records:   []feedshare.Record{{ItemID: "1"}},
		FetchedAt: time.Now(),
		Cached:    true,
	}
	rec := doJSON(t, s, http.MethodPost, "/api/fetch-feed/bob", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp fetchFeedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Cached)
	require.Len(t, resp.Records, 1)
}

func TestDeleteAccount(t *testing.T) {
	s, _ := newTestServer(t)
	token := register(t, s, "alice")

	rec := doJSON(t, s, http.MethodDelete, "/api/user/delete", token, map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/user/delete", token, map[string]string{"password": "Passw0rd!"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/login", "", map[string]string{
		"username": "alice",
		"password": "Passw0rd!",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSweepExpired(t *testing.T) {
	s, _ := newTestServer(t)
	token := register(t, s, "alice")

	rec := doJSON(t, s, http.MethodPost, "/api/maintenance/sweep-expired", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Zero(t, resp["removed"])
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
