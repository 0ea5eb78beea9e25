package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	fserrs "github.com/jdholdren/feedshare/internal/errors"
	"github.com/jdholdren/feedshare/internal/feedshare"
	"github.com/jdholdren/feedshare/internal/serverutil"
)

type shareFeedRequest struct {
	Username string `json:"username"`
}

func (req shareFeedRequest) Validate() error {
	if req.Username == "" {
		return fserrs.E("username is required", http.StatusBadRequest)
	}
	return nil
}

func (s *Server) postShareFeed(w http.ResponseWriter, r *http.Request) error {
	body, err := serverutil.DecodeValid[shareFeedRequest](r.Body)
	if err != nil {
		return err
	}
	ctx := r.Context()

	grantee, err := s.repo.UserByUsername(ctx, body.Username)
	if errors.Is(err, feedshare.ErrNotFound) {
		return fserrs.E("user not found", http.StatusNotFound)
	}
	if err != nil {
		return err
	}
	if grantee.ID == userID(r) {
		return fserrs.E("cannot share a feed with yourself", http.StatusBadRequest)
	}
	if !grantee.IsActive {
		return fserrs.E("user is not active", http.StatusBadRequest)
	}

	if err := s.repo.CreateShare(ctx, userID(r), grantee.ID); err != nil {
		return err
	}

	// Notification is best-effort; the share already exists.
	if s.mailer.Enabled() {
		owner, err := s.repo.User(ctx, userID(r))
		if err == nil {
			if err := s.mailer.ShareCreated(grantee.Email, owner.Username); err != nil {
				slog.Warn("share notification failed", "error", err, "grantee", grantee.Username)
			}
		}
	}

	return serverutil.WriteJSON(w, http.StatusCreated, map[string]string{
		"message": "feed shared with " + grantee.Username,
	})
}

func (s *Server) deleteShareFeed(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx      = r.Context()
		username = mux.Vars(r)["username"]
	)

	grantee, err := s.repo.UserByUsername(ctx, username)
	if errors.Is(err, feedshare.ErrNotFound) {
		return fserrs.E("user not found", http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	err = s.repo.DeleteShare(ctx, userID(r), grantee.ID)
	if errors.Is(err, feedshare.ErrNotFound) {
		return fserrs.E("feed is not shared with that user", http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "feed unshared from " + grantee.Username,
	})
}

type (
	userSummary struct {
		Username  string    `json:"username"`
		Email     string    `json:"email"`
		CreatedAt time.Time `json:"created_at"`
	}

	userListResponse struct {
		Users []userSummary `json:"users"`
	}
)

func summarize(usrs []feedshare.User) []userSummary {
	out := make([]userSummary, 0, len(usrs))
	for _, usr := range usrs {
		out = append(out, userSummary{
			Username:  usr.Username,
			Email:     usr.Email,
			CreatedAt: usr.CreatedAt,
		})
	}

	return out
}

// getSharedUsers lists who the caller has shared their feed with.
func (s *Server) getSharedUsers(w http.ResponseWriter, r *http.Request) error {
	usrs, err := s.repo.SharedWith(r.Context(), userID(r))
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, userListResponse{Users: summarize(usrs)})
}

// getFetchUsers lists whose feeds the caller may fetch.
func (s *Server) getFetchUsers(w http.ResponseWriter, r *http.Request) error {
	usrs, err := s.repo.FetchableBy(r.Context(), userID(r))
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, userListResponse{Users: summarize(usrs)})
}
