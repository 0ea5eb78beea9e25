package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	fserrs "github.com/jdholdren/feedshare/internal/errors"
	"github.com/jdholdren/feedshare/internal/feedshare"
	"github.com/jdholdren/feedshare/internal/serverutil"
)

type saveCookiesRequest struct {
	Cookies json.RawMessage `json:"cookies"`
}

func (req saveCookiesRequest) Validate() error {
	if len(req.Cookies) == 0 || string(req.Cookies) == "null" {
		return fserrs.E("cookies are required", http.StatusBadRequest)
	}
	return nil
}

// postSaveCookies stores the caller's scraper cookie bundle. The
// bundle is opaque here; only the scraper sidecar interprets it.
func (s *Server) postSaveCookies(w http.ResponseWriter, r *http.Request) error {
	body, err := serverutil.DecodeValid[saveCookiesRequest](r.Body)
	if err != nil {
		return err
	}

	if err := s.repo.SaveCredentials(r.Context(), userID(r), body.Cookies); err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, map[string]string{"message": "cookies saved"})
}

type fetchFeedResponse struct {
	Records   []feedshare.Record `json:"records"`
	Cached    bool               `json:"cached"`
	FetchedAt time.Time          `json:"fetched_at"`
}

func (s *Server) postFetchFeed(w http.ResponseWriter, r *http.Request) error {
	username := mux.Vars(r)["username"]

	res, err := s.fetches.FetchFeed(r.Context(), userID(r), username)
	switch {
	case errors.Is(err, feedshare.ErrFetchInProgress):
		// Not a failure: another request for this pair is already
		// running, come back for the cached result.
		return serverutil.WriteJSON(w, http.StatusAccepted, map[string]string{
			"status":  "in_progress",
			"message": "a fetch for this feed is already running",
		})
	case errors.Is(err, feedshare.ErrSelfFetch):
		return fserrs.E(err, http.StatusBadRequest)
	case errors.Is(err, feedshare.ErrNotFound):
		return fserrs.E(err, http.StatusNotFound)
	case errors.Is(err, feedshare.ErrForbidden):
		return fserrs.E(err, http.StatusForbidden)
	case errors.Is(err, feedshare.ErrNoCredentials):
		return fserrs.E(err, http.StatusPreconditionFailed)
	case errors.Is(err, feedshare.ErrFetchFailed):
		return fserrs.E(err, http.StatusBadGateway)
	case err != nil:
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, fetchFeedResponse{
		Records:   res.Records,
		Cached:    res.Cached,
		FetchedAt: res.FetchedAt,
	})
}

func (s *Server) postSweepExpired(w http.ResponseWriter, r *http.Request) error {
	n, err := s.repo.SweepExpired(r.Context())
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, map[string]int64{"removed": n})
}
