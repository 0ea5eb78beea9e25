package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"
	"unicode"

	goaway "github.com/TwiN/go-away"
	"golang.org/x/crypto/bcrypt"

	fserrs "github.com/jdholdren/feedshare/internal/errors"
	"github.com/jdholdren/feedshare/internal/feedshare"
	"github.com/jdholdren/feedshare/internal/serverutil"
)

const bcryptCost = 12

var (
	usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)
	emailRE    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req registerRequest) Validate() error {
	var details []fserrs.Detail
	if !usernameRE.MatchString(req.Username) {
		details = append(details, fserrs.Detail{
			Field: "username",
			Error: "must be 3-50 characters of letters, digits, or underscores",
		})
	} else if goaway.IsProfane(req.Username) {
		details = append(details, fserrs.Detail{
			Field: "username",
			Error: "contains blocked words",
		})
	}
	if len(req.Email) > 255 || !emailRE.MatchString(req.Email) {
		details = append(details, fserrs.Detail{
			Field: "email",
			Error: "must be a valid email address",
		})
	}
	if msg := passwordProblem(req.Password); msg != "" {
		details = append(details, fserrs.Detail{
			Field: "password",
			Error: msg,
		})
	}
	if len(details) > 0 {
		return fserrs.E("invalid registration", http.StatusBadRequest, details)
	}

	return nil
}

// passwordProblem returns an empty string when the password passes.
func passwordProblem(password string) string {
	if len(password) < 8 {
		return "must be at least 8 characters"
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return "must contain an uppercase letter, a lowercase letter, and a digit"
	}

	return ""
}

type tokenResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (s *Server) postRegister(w http.ResponseWriter, r *http.Request) error {
	body, err := serverutil.DecodeValid[registerRequest](r.Body)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcryptCost)
	if err != nil {
		return err
	}

	usr, err := s.repo.CreateUser(r.Context(), feedshare.User{
		Username:     body.Username,
		Email:        body.Email,
		PasswordHash: string(hash),
	})
	if errors.Is(err, feedshare.ErrConflict) {
		return fserrs.E("username or email already taken", http.StatusConflict)
	}
	if err != nil {
		return err
	}

	token, err := s.issueToken(usr.ID)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusCreated, tokenResponse{
		Token:    token,
		UserID:   usr.ID,
		Username: usr.Username,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (req loginRequest) Validate() error {
	if req.Username == "" || req.Password == "" {
		return fserrs.E("username and password are required", http.StatusBadRequest)
	}
	return nil
}

func (s *Server) postLogin(w http.ResponseWriter, r *http.Request) error {
	body, err := serverutil.DecodeValid[loginRequest](r.Body)
	if err != nil {
		return err
	}

	usr, err := s.repo.UserByUsername(r.Context(), body.Username)
	if errors.Is(err, feedshare.ErrNotFound) {
		// Same answer as a bad password so usernames can't be probed.
		return fserrs.E("invalid credentials", http.StatusUnauthorized)
	}
	if err != nil {
		return err
	}
	if !usr.IsActive {
		return fserrs.E("account is disabled", http.StatusForbidden)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(usr.PasswordHash), []byte(body.Password)); err != nil {
		return fserrs.E("invalid credentials", http.StatusUnauthorized)
	}

	if err := s.repo.UpdateUser(r.Context(), usr.ID, feedshare.UpdateUserArgs{
		LastLoginAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	token, err := s.issueToken(usr.ID)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, tokenResponse{
		Token:    token,
		UserID:   usr.ID,
		Username: usr.Username,
	})
}

// Tokens are stateless, so logout is an acknowledgement that the
// client should discard theirs.
func (s *Server) postLogout(w http.ResponseWriter, r *http.Request) error {
	return serverutil.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) getVerify(w http.ResponseWriter, r *http.Request) error {
	return serverutil.WriteJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"user_id": userID(r),
	})
}

type profileResponse struct {
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at"`
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) error {
	usr, err := s.repo.User(r.Context(), userID(r))
	if errors.Is(err, feedshare.ErrNotFound) {
		return fserrs.E("user not found", http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, profileResponse{
		Username:    usr.Username,
		Email:       usr.Email,
		CreatedAt:   usr.CreatedAt,
		LastLoginAt: usr.LastLoginAt,
	})
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

// Account deletion asks for the password again; a leaked token alone
// shouldn't be enough to destroy the account.
func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) error {
	var body deleteAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return fserrs.E(err, http.StatusBadRequest)
	}

	usr, err := s.repo.User(r.Context(), userID(r))
	if errors.Is(err, feedshare.ErrNotFound) {
		return fserrs.E("user not found", http.StatusNotFound)
	}
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(usr.PasswordHash), []byte(body.Password)); err != nil {
		return fserrs.E("invalid credentials", http.StatusUnauthorized)
	}

	// Shares, grants, credentials, and cached timelines cascade away
	// with the row.
	if err := s.repo.DeleteUser(r.Context(), usr.ID); err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, map[string]string{"message": "account deleted"})
}
