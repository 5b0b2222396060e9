package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync-api/internal/models"
	appErrors "github.com/fitsync/fitsync-api/pkg/errors"
)

type mockUserAdminRepo struct {
	users       map[string]*models.User
	deactivated []string
}

func (m *mockUserAdminRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockUserAdminRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserAdminRepo) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	out := make([]models.User, 0, len(m.users))
	for _, user := range m.users {
		out = append(out, *user)
	}
	return out, len(out), nil
}

func (m *mockUserAdminRepo) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = "generated-id"
	}
	m.users[user.ID] = user
	return nil
}

func (m *mockUserAdminRepo) Deactivate(ctx context.Context, id string, updatedAt time.Time) error {
	m.deactivated = append(m.deactivated, id)
	if user, ok := m.users[id]; ok {
		user.Active = false
	}
	return nil
}

type auditStoreMock struct {
	recordingAudit
	listed []models.AuditLog
}

func (m *auditStoreMock) ListByUser(ctx context.Context, userID string, limit int) ([]models.AuditLog, error) {
	return m.listed, nil
}

func TestUserCreate(t *testing.T) {
	repo := &mockUserAdminRepo{users: map[string]*models.User{}}
	audit := &auditStoreMock{}
	svc := NewUserService(repo, nil, nil, audit, nil, nil)

	actor := &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
	user, err := svc.Create(context.Background(), models.CreateUserRequest{
		Email:    "new@example.com",
		Username: "newbie",
		FullName: "New Client",
		Password: "long enough password",
		Role:     models.RoleClient,
	}, actor)
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.True(t, user.Active)
	assert.NotEqual(t, "long enough password", user.PasswordHash)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AuditActionUserCreated, audit.entries[0].Action)
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	repo := &mockUserAdminRepo{users: map[string]*models.User{
		"u-1": {ID: "u-1", Email: "taken@example.com", Active: true},
	}}
	svc := NewUserService(repo, nil, nil, &auditStoreMock{}, nil, nil)

	_, err := svc.Create(context.Background(), models.CreateUserRequest{
		Email:    "taken@example.com",
		Username: "dupe",
		FullName: "Dupe",
		Password: "long enough password",
		Role:     models.RoleClient,
	}, nil)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrConflict))
}

func TestUserCreateInvalidRole(t *testing.T) {
	repo := &mockUserAdminRepo{users: map[string]*models.User{}}
	svc := NewUserService(repo, nil, nil, &auditStoreMock{}, nil, nil)

	_, err := svc.Create(context.Background(), models.CreateUserRequest{
		Email:    "new@example.com",
		Username: "newbie",
		FullName: "New",
		Password: "long enough password",
		Role:     "SUPERUSER",
	}, nil)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestUserDeactivateRevokesSessions(t *testing.T) {
	user := testUser()
	repo := &mockUserAdminRepo{users: map[string]*models.User{user.ID: user}}
	store := newMemoryTokenStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sessions := newTestSessionService(store, &mockPrincipals{users: repo.users}, clock)
	svc := NewUserService(repo, sessions, nil, &auditStoreMock{}, nil, nil)

	_, err := sessions.IssueTokenPair(context.Background(), user, "10.0.0.1", "ios-app")
	require.NoError(t, err)

	err = svc.Deactivate(context.Background(), user.ID, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.False(t, user.Active)

	for _, record := range store.records {
		assert.NotNil(t, record.RevokedAt)
	}
}

func TestUserDeactivateUnknown(t *testing.T) {
	repo := &mockUserAdminRepo{users: map[string]*models.User{}}
	svc := NewUserService(repo, nil, nil, &auditStoreMock{}, nil, nil)

	err := svc.Deactivate(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestUserAuditTrail(t *testing.T) {
	repo := &mockUserAdminRepo{users: map[string]*models.User{}}
	audit := &auditStoreMock{listed: []models.AuditLog{{Action: models.AuditActionLogin}}}
	svc := NewUserService(repo, nil, nil, audit, nil, nil)

	entries, err := svc.AuditTrail(context.Background(), "u-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionLogin, entries[0].Action)
}
