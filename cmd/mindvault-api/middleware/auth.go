// Package middleware provides HTTP middleware for the MindVault API.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mindvault-ai/mindvault/internal/apperr"
	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"
)

// Context keys for request-scoped values.
type contextKey string

// ownerKey is the context key for the authenticated user identity.
const ownerKey contextKey = "owner"

// devOwner is the identity assumed when auth is disabled and the caller
// names nobody.
const devOwner = "dev"

// Auth resolves the caller identity, provisions the user row, and applies
// the per-minute and per-day API gates before the request reaches a
// handler.
//
// With auth enabled the request must carry a Bearer JWT signed with the
// configured secret; the subject claim names the owner. With auth
// disabled the X-User header or the user query parameter selects the
// owner, defaulting to "dev" for local development.
func Auth(cfg config.AuthConfig, log *observability.Logger, bank *knowledgebank.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := resolveOwner(r, cfg)
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := r.Context()
			if err := bank.EnsureUser(ctx, owner); err != nil {
				writeError(w, err)
				return
			}
			if err := bank.GateAPICall(ctx, owner); err != nil {
				log.Debug().Str("user", owner).Err(err).Msg("API call gated")
				writeError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ownerKey, owner)))
		})
	}
}

func resolveOwner(r *http.Request, cfg config.AuthConfig) (string, error) {
	if !cfg.Enabled {
		if owner := r.Header.Get("X-User"); owner != "" {
			return owner, nil
		}
		if owner := r.URL.Query().Get("user"); owner != "" {
			return owner, nil
		}
		return devOwner, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperr.Unauthorized("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", apperr.Unauthorized("authorization header must carry a bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnauthorized, "invalid token", err)
	}
	if claims.Subject == "" {
		return "", apperr.Unauthorized("token carries no subject")
	}
	return claims.Subject, nil
}

// Owner returns the authenticated user for the request, or "" when the
// Auth middleware did not run.
func Owner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok {
		return v
	}
	return ""
}

func writeError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(ae.Kind))
	_ = json.NewEncoder(w).Encode(ae)
}
