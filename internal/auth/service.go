package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lzyats/yuim/internal/ttlcache"
)

// Service issues, rotates and verifies tokens. The same Authenticate is used by
// the REST middleware and the websocket handshake.
type Service struct {
	tokens   *Manager
	sessions Sessions
	cache    *ttlcache.Cache
}

func NewService(tokens *Manager, sessions Sessions, cache *ttlcache.Cache) *Service {
	return &Service{tokens: tokens, sessions: sessions, cache: cache}
}

func (s *Service) Login(ctx context.Context, uid int64) (TokenPair, error) {
	sid := uuid.NewString()
	rid := uuid.NewString()
	if err := s.sessions.Create(ctx, uid, sid, rid, s.tokens.RefreshTTL()); err != nil {
		return TokenPair{}, fmt.Errorf("create session: %w", err)
	}
	return s.tokens.Issue(uid, sid, rid)
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// single use; presenting it again revokes the whole session, except within
// the refresh grace window right after its own rotation.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, TypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	jti, err := s.sessions.Rotate(ctx, claims.SessionID, claims.ID, uuid.NewString(), s.tokens.RefreshTTL(), s.tokens.RefreshGrace())
	if err != nil {
		if s.cache != nil {
			s.cache.Del(claims.SessionID)
		}
		return TokenPair{}, err
	}
	return s.tokens.Issue(claims.UserID, claims.SessionID, jti)
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if s.cache != nil {
		s.cache.Del(sessionID)
	}
	return s.sessions.Revoke(ctx, sessionID)
}

// Authenticate validates an access token and checks its session is still live.
// Every failure wraps ErrHandshake.
func (s *Service) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.Parse(token, TypeAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if s.cache != nil && s.cache.Get(claims.SessionID) {
		return claims, nil
	}
	ok, err := s.sessions.Exists(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: session lookup: %w", ErrHandshake, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, ErrRevoked)
	}
	if s.cache != nil {
		s.cache.Set(claims.SessionID)
	}
	return claims, nil
}
