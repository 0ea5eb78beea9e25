package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	fserrs "github.com/jdholdren/feedshare/internal/errors"
	"github.com/jdholdren/feedshare/internal/serverutil"
	"github.com/jdholdren/feedshare/logger"
)

const tokenTTL = 24 * time.Hour

type contextKey string

const userIDKey contextKey = "userID"

func (s *Server) issueToken(usrID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   usrID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("error signing token: %s", err)
	}

	return signed, nil
}

func (s *Server) parseToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	if !tok.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}

	return claims.Subject, nil
}

// requireAuth rejects requests without a valid bearer token and stores
// the authenticated user id on the context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			writeAuthError(w, "missing bearer token")
			return
		}

		usrID, err := s.parseToken(raw)
		if err != nil {
			writeAuthError(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, usrID)
		ctx = logger.Ctx(ctx, slog.String("user_id", usrID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	if err := serverutil.WriteJSON(w, http.StatusUnauthorized, fserrs.E(msg, http.StatusUnauthorized)); err != nil {
		slog.Error("error writing response", "error", err)
	}
}

// userID returns the authenticated user's id from the request context.
// Empty outside of requireAuth-wrapped routes.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}
