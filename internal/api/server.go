// Package api provides the HTTP server for the feed sharing service.
//
// It wires the account surface, the credential and share management
// routes, and the fetch pipeline entry point.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	fserrs "github.com/jdholdren/feedshare/internal/errors"
	"github.com/jdholdren/feedshare/internal/feedshare"
	"github.com/jdholdren/feedshare/internal/fetch"
	"github.com/jdholdren/feedshare/internal/notify"
	"github.com/jdholdren/feedshare/internal/serverutil"
)

type (
	// FeedFetcher runs the fetch pipeline for one (requester, target)
	// pair. Satisfied by [fetch.Orchestrator].
	FeedFetcher interface {
		FetchFeed(ctx context.Context, requesterID, targetUsername string) (fetch.Result, error)
	}

	// Pinger reports database liveness for the health route.
	Pinger interface {
		PingContext(ctx context.Context) error
	}

	// Server handles all requests for the service.
	Server struct {
		*http.Server

		repo    feedshare.Repository
		fetches FeedFetcher
		mailer  notify.Mailer
		pinger  Pinger

		jwtSecret []byte
	}

	ServerConfig struct {
		Port       int
		CorsHeader string
		JWTSecret  []byte
	}
)

func NewServer(config ServerConfig, repo feedshare.Repository, fetches FeedFetcher, mailer notify.Mailer, pinger Pinger) *Server {
	r := serverutil.ErrRouter{Router: mux.NewRouter()}

	srvr := Server{
		repo:      repo,
		fetches:   fetches,
		mailer:    mailer,
		pinger:    pinger,
		jwtSecret: config.JWTSecret,
		Server: &http.Server{
			Addr:        fmt.Sprintf(":%d", config.Port),
			ReadTimeout: 5 * time.Second,
			// No write timeout: fetch-feed holds the connection until
			// the pipeline's own hard timeout fires.
			WriteTimeout: 0,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{config.CorsHeader}),
				handlers.AllowCredentials(),
				handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
				handlers.AllowedHeaders([]string{"content-type", "authorization"}),
			)(r),
		},
	}

	r.Use(serverutil.AccessLogMiddleware) // Log everything
	r.HandleFuncE("/health", srvr.getHealth).Methods(http.MethodGet)
	r.HandleFuncE("/api/register", srvr.postRegister).Methods(http.MethodPost)
	r.HandleFuncE("/api/login", srvr.postLogin).Methods(http.MethodPost)

	authed := serverutil.ErrRouter{Router: r.NewRoute().Subrouter()}
	authed.Use(srvr.requireAuth)

	// Account
	authed.HandleFuncE("/api/logout", srvr.postLogout).Methods(http.MethodPost)
	authed.HandleFuncE("/api/verify", srvr.getVerify).Methods(http.MethodGet)
	authed.HandleFuncE("/api/user/profile", srvr.getProfile).Methods(http.MethodGet)
	authed.HandleFuncE("/api/user/delete", srvr.deleteAccount).Methods(http.MethodDelete)

	// Credentials and shares
	authed.HandleFuncE("/api/save-cookies", srvr.postSaveCookies).Methods(http.MethodPost)
	authed.HandleFuncE("/api/share-feed", srvr.postShareFeed).Methods(http.MethodPost)
	authed.HandleFuncE("/api/unshare-feed/{username}", srvr.deleteShareFeed).Methods(http.MethodDelete)
	authed.HandleFuncE("/api/shared-users", srvr.getSharedUsers).Methods(http.MethodGet)
	authed.HandleFuncE("/api/fetch-users", srvr.getFetchUsers).Methods(http.MethodGet)

	// The pipeline
	authed.HandleFuncE("/api/fetch-feed/{username}", srvr.postFetchFeed).Methods(http.MethodPost)

	// Maintenance
	authed.HandleFuncE("/api/maintenance/sweep-expired", srvr.postSweepExpired).Methods(http.MethodPost)

	slog.Debug("configured feedshare server", "port", config.Port)

	return &srvr
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) error {
	if err := s.pinger.PingContext(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		return fserrs.E("database unavailable", http.StatusServiceUnavailable)
	}

	return serverutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
