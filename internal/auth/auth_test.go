package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/yuim/internal/ttlcache"
)

func newTestService() (*Service, *Manager) {
	m := NewManager(ManagerOptions{Secret: "test-secret", Issuer: "yuim", AccessTTL: time.Minute, RefreshTTL: time.Hour})
	return NewService(m, NewMemorySessions(), ttlcache.New(time.Minute)), m
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", ExtractToken(r, "Authorization", "Bearer ", "token"))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", ExtractToken(r, "Authorization", "Bearer ", "token"))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "", ExtractToken(r, "Authorization", "Bearer ", "token"))
}

func TestLoginAuthenticate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	pair, err := svc.Login(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(60), pair.ExpiresIn)

	claims, err := svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), claims.UserID)

	// refresh token is not an access token
	_, err = svc.Authenticate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestAuthenticateRejectsExpiredAndForeignTokens(t *testing.T) {
	svc, m := newTestService()
	m.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	pair, err := svc.Login(context.Background(), 7)
	require.NoError(t, err)
	m.now = time.Now

	_, err = svc.Authenticate(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other := NewManager(ManagerOptions{Secret: "other"})
	forged, err := other.Issue(7, "sid", "rid")
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background(), forged.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Login(ctx, 42)
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// replaying the old refresh token revokes the session
	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRevoked)

	_, err = svc.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrRevoked)

	_, err = svc.Authenticate(ctx, second.AccessToken)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestRefreshRetryWithinGrace(t *testing.T) {
	m := NewManager(ManagerOptions{Secret: "test-secret", AccessTTL: time.Minute, RefreshTTL: time.Hour, RefreshGrace: time.Minute})
	svc := NewService(m, NewMemorySessions(), ttlcache.New(time.Minute))
	ctx := context.Background()

	first, err := svc.Login(ctx, 42)
	require.NoError(t, err)
	lost, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	// the rotated pair never reached the client, which retries with the old token
	retry, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, retry.AccessToken)
	require.NoError(t, err)

	lostClaims, err := m.Parse(lost.RefreshToken, TypeRefresh)
	require.NoError(t, err)
	retryClaims, err := m.Parse(retry.RefreshToken, TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, lostClaims.ID, retryClaims.ID, "retry gets the live refresh jti")

	third, err := svc.Refresh(ctx, retry.RefreshToken)
	require.NoError(t, err)

	// two rotations back is reuse
	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = svc.Refresh(ctx, third.RefreshToken)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestMemorySessionsGraceExpires(t *testing.T) {
	s := NewMemorySessions()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, 1, "sid", "r1", time.Hour))

	jti, err := s.Rotate(ctx, "sid", "r1", "r2", time.Hour, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "r2", jti)

	jti, err = s.Rotate(ctx, "sid", "r1", "r3", time.Hour, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "r2", jti)

	time.Sleep(20 * time.Millisecond)
	_, err = s.Rotate(ctx, "sid", "r1", "r4", time.Hour, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrRevoked)
	ok, err := s.Exists(ctx, "sid")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogoutRevokes(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	pair, err := svc.Login(ctx, 5)
	require.NoError(t, err)
	claims, err := svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, claims.SessionID))

	_, err = svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestWrap(t *testing.T) {
	svc, _ := newTestService()
	pair, err := svc.Login(context.Background(), 9)
	require.NoError(t, err)

	var gotUID int64
	h := Wrap(Config{Header: "Authorization", BearerPrefix: "Bearer ", PublicPaths: []string{"/v1/auth/"}}, svc,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUID = UIDFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/notifications", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(9), gotUID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPassword(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, CheckPassword(h, "pw"))
	assert.ErrorIs(t, CheckPassword(h, "nope"), ErrBadCredentials)
	assert.ErrorIs(t, CheckPassword("", "pw"), ErrBadCredentials)
}
