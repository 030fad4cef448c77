package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const (
	CtxUID     contextKey = "uid"
	CtxSession contextKey = "sid"
)

type Config struct {
	Header       string
	BearerPrefix string
	QueryKey     string

	PublicPaths []string
}

func (c Config) isPublic(path string) bool {
	for _, p := range c.PublicPaths {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// Wrap rejects requests outside PublicPaths that do not carry a valid access token.
// 401 is the signal clients use to start a refresh.
func Wrap(cfg Config, svc *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		tok := ExtractToken(r, cfg.Header, cfg.BearerPrefix, cfg.QueryKey)
		claims, err := svc.Authenticate(r.Context(), tok)
		if err != nil {
			if errors.Is(err, ErrMissingToken) || errors.Is(err, ErrExpiredToken) ||
				errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrRevoked) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			http.Error(w, "auth error", http.StatusServiceUnavailable)
			return
		}
		ctx := context.WithValue(r.Context(), CtxUID, claims.UserID)
		ctx = context.WithValue(ctx, CtxSession, claims.SessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(CtxUID).(int64); ok {
		return v
	}
	return 0
}

func SessionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CtxSession).(string); ok {
		return v
	}
	return ""
}
