package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrHandshake wraps every reason a realtime connection attempt is refused.
	ErrHandshake = errors.New("handshake auth failed")

	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevoked      = errors.New("session revoked")
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// ExtractToken gets token from Authorization header (Bearer) or query parameter.
func ExtractToken(r *http.Request, header, bearerPrefix, queryKey string) string {
	if header != "" {
		v := strings.TrimSpace(r.Header.Get(header))
		if v != "" {
			if bearerPrefix != "" && strings.HasPrefix(v, bearerPrefix) {
				return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
			}
			return v
		}
	}
	if queryKey != "" {
		q := strings.TrimSpace(r.URL.Query().Get(queryKey))
		if q != "" {
			return q
		}
	}
	return ""
}

// Claims is the payload of both access and refresh tokens. SessionID ties a
// token to the server side session so logout can revoke it.
type Claims struct {
	UserID    int64  `json:"uid"`
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type ManagerOptions struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RefreshGrace keeps a just rotated refresh token usable for a retry.
	// Zero means strict single use.
	RefreshGrace time.Duration
}

// Manager signs and verifies HS256 tokens.
type Manager struct {
	opt ManagerOptions
	now func() time.Time
}

func NewManager(opt ManagerOptions) *Manager {
	if opt.AccessTTL <= 0 {
		opt.AccessTTL = 15 * time.Minute
	}
	if opt.RefreshTTL <= 0 {
		opt.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Manager{opt: opt, now: time.Now}
}

func (m *Manager) RefreshTTL() time.Duration { return m.opt.RefreshTTL }

func (m *Manager) RefreshGrace() time.Duration { return m.opt.RefreshGrace }

// Issue signs a new access/refresh pair for the session. refreshID becomes the
// refresh token's jti and is what the session store rotates on every refresh.
func (m *Manager) Issue(uid int64, sessionID, refreshID string) (TokenPair, error) {
	access, err := m.sign(uid, sessionID, TypeAccess, uuid.NewString(), m.opt.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(uid, sessionID, TypeRefresh, refreshID, m.opt.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(m.opt.AccessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func (m *Manager) sign(uid int64, sessionID, typ, jti string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		UserID:    uid,
		SessionID: sessionID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    m.opt.Issuer,
			Subject:   strconv.FormatInt(uid, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.opt.Secret))
}

// Parse verifies signature, expiry and token type.
func (m *Manager) Parse(token, wantType string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.opt.Secret), nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType || claims.UserID <= 0 || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
