package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fitsync/fitsync-api/internal/middleware"
	"github.com/fitsync/fitsync-api/internal/models"
	"github.com/fitsync/fitsync-api/internal/service"
)

type movableClock struct {
	now time.Time
}

func (m *movableClock) Now() time.Time { return m.now }

type tokenStoreMock struct {
	records map[string]*models.RefreshTokenRecord
}

func newTokenStoreMock() *tokenStoreMock {
	return &tokenStoreMock{records: make(map[string]*models.RefreshTokenRecord)}
}

func (m *tokenStoreMock) Create(ctx context.Context, record *models.RefreshTokenRecord) error {
	clone := *record
	m.records[record.ID] = &clone
	return nil
}

func (m *tokenStoreMock) FindByHash(ctx context.Context, hash string) (*models.RefreshTokenRecord, error) {
	for _, record := range m.records {
		if record.TokenHash == hash {
			clone := *record
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *tokenStoreMock) CommitRotation(ctx context.Context, oldID string, revokedAt time.Time, revokedByIP string, replacement *models.RefreshTokenRecord) error {
	old := m.records[oldID]
	old.RevokedAt = &revokedAt
	old.RevokedByIP = revokedByIP
	old.ReplacedByTokenHash = &replacement.TokenHash
	clone := *replacement
	m.records[replacement.ID] = &clone
	return nil
}

func (m *tokenStoreMock) Revoke(ctx context.Context, id string, revokedAt time.Time, revokedByIP string) (bool, error) {
	record, ok := m.records[id]
	if !ok || record.RevokedAt != nil {
		return false, nil
	}
	record.RevokedAt = &revokedAt
	record.RevokedByIP = revokedByIP
	return true, nil
}

func (m *tokenStoreMock) RevokeAllForUser(ctx context.Context, userID string, revokedAt time.Time) (int64, error) {
	var revoked int64
	for _, record := range m.records {
		if record.UserID == userID && record.RevokedAt == nil {
			record.RevokedAt = &revokedAt
			revoked++
		}
	}
	return revoked, nil
}

func (m *tokenStoreMock) ListActiveForUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshTokenRecord, error) {
	var active []models.RefreshTokenRecord
	for _, record := range m.records {
		if record.UserID == userID && record.IsActive(now) {
			active = append(active, *record)
		}
	}
	return active, nil
}

type userRepoMock struct {
	user *models.User
}

func (m *userRepoMock) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.user, nil
}

func (m *userRepoMock) FindByID(ctx context.Context, id string) (*models.User, error) {
	return m.user, nil
}

func (m *userRepoMock) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	return nil
}

func (m *userRepoMock) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	return nil
}

type authFixture struct {
	handler *AuthHandler
	store   *tokenStoreMock
	clock   *movableClock
	user    *models.User
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{ID: "u-1", Email: "coach@example.com", Username: "coach", Role: models.RoleTrainer, Active: true, PasswordHash: string(hash)}

	clock := &movableClock{now: time.Now().UTC()}
	store := newTokenStoreMock()
	repo := &userRepoMock{user: user}
	codec := service.NewAccessTokenCodec("test-signing-secret", "fitsync-test", nil)
	sessions := service.NewSessionService(store, repo, codec, nil, nil, clock, service.SessionConfig{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	}, nil)
	authSvc := service.NewAuthService(repo, sessions, nil, nil, nil, nil)

	return &authFixture{handler: NewAuthHandler(authSvc), store: store, clock: clock, user: user}
}

func postJSON(t *testing.T, payload interface{}) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return w, c
}

func loginRefreshToken(t *testing.T, fx *authFixture) string {
	t.Helper()
	w, c := postJSON(t, models.LoginRequest{Email: "coach@example.com", Password: "correct horse"})
	fx.handler.Login(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.LoginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Data.RefreshToken)
	return envelope.Data.RefreshToken
}

func TestAuthHandlerLogin(t *testing.T) {
	fx := newAuthFixture(t)

	w, c := postJSON(t, models.LoginRequest{Email: "coach@example.com", Password: "correct horse"})
	fx.handler.Login(c)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data models.LoginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Data.AccessToken)
	assert.NotEmpty(t, envelope.Data.RefreshToken)
	assert.Equal(t, "u-1", envelope.Data.User.ID)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestAuthHandlerLoginWrongPassword(t *testing.T) {
	fx := newAuthFixture(t)

	w, c := postJSON(t, models.LoginRequest{Email: "coach@example.com", Password: "wrong"})
	fx.handler.Login(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandlerRefresh(t *testing.T) {
	fx := newAuthFixture(t)
	refreshToken := loginRefreshToken(t, fx)

	w, c := postJSON(t, models.RefreshTokenRequest{RefreshToken: refreshToken})
	fx.handler.Refresh(c)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data models.TokenPair `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.NotEqual(t, refreshToken, envelope.Data.RefreshToken)
}

func TestAuthHandlerRefreshRejectionsIndistinguishable(t *testing.T) {
	fx := newAuthFixture(t)

	// Unknown token.
	wUnknown, c := postJSON(t, models.RefreshTokenRequest{RefreshToken: "never-issued"})
	fx.handler.Refresh(c)
	require.Equal(t, http.StatusUnauthorized, wUnknown.Code)

	// Replayed token.
	replayed := loginRefreshToken(t, fx)
	_, c = postJSON(t, models.RefreshTokenRequest{RefreshToken: replayed})
	fx.handler.Refresh(c)
	wReplay, c := postJSON(t, models.RefreshTokenRequest{RefreshToken: replayed})
	fx.handler.Refresh(c)
	require.Equal(t, http.StatusUnauthorized, wReplay.Code)

	// Expired token.
	expired := loginRefreshToken(t, fx)
	fx.clock.now = fx.clock.now.Add(2 * time.Hour)
	wExpired, c := postJSON(t, models.RefreshTokenRequest{RefreshToken: expired})
	fx.handler.Refresh(c)
	require.Equal(t, http.StatusUnauthorized, wExpired.Code)

	// Three different rejection reasons, one indistinguishable body.
	assert.Equal(t, wUnknown.Body.String(), wReplay.Body.String())
	assert.Equal(t, wUnknown.Body.String(), wExpired.Body.String())
}

func TestAuthHandlerLogout(t *testing.T) {
	fx := newAuthFixture(t)
	refreshToken := loginRefreshToken(t, fx)

	w, c := postJSON(t, models.LogoutRequest{RefreshToken: refreshToken})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u-1", Role: models.RoleTrainer})
	fx.handler.Logout(c)
	c.Writer.WriteHeaderNow()
	require.Equal(t, http.StatusNoContent, w.Code)

	// Logging out twice with the same token still succeeds.
	w, c = postJSON(t, models.LogoutRequest{RefreshToken: refreshToken})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u-1", Role: models.RoleTrainer})
	fx.handler.Logout(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAuthHandlerLogoutWithoutClaims(t *testing.T) {
	fx := newAuthFixture(t)

	w, c := postJSON(t, models.LogoutRequest{RefreshToken: "whatever"})
	fx.handler.Logout(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandlerMe(t *testing.T) {
	fx := newAuthFixture(t)

	w, c := postJSON(t, nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "u-1", Email: "coach@example.com", Username: "coach", Role: models.RoleTrainer})
	fx.handler.Me(c)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data models.UserInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "coach", envelope.Data.Username)
}
