package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync-api/internal/models"
	appErrors "github.com/fitsync/fitsync-api/pkg/errors"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func sampleRecord(now time.Time) *models.RefreshTokenRecord {
	return &models.RefreshTokenRecord{
		ID:          "rt-1",
		UserID:      "u-1",
		TokenHash:   "hash-1",
		ExpiresAt:   now.Add(24 * time.Hour),
		CreatedAt:   now,
		CreatedByIP: "10.0.0.1",
		UserAgent:   "ios-app",
	}
}

func TestCreateRefreshTokenRecord(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Create(context.Background(), sampleRecord(time.Now().UTC()))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRefreshTokenRecordDuplicateHash(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Create(context.Background(), sampleRecord(time.Now().UTC()))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrDuplicateHash))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByHash(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "token_hash", "replaced_by_token_hash", "expires_at", "created_at", "revoked_at", "created_by_ip", "revoked_by_ip", "user_agent"}).
		AddRow("rt-1", "u-1", "hash-1", nil, now.Add(24*time.Hour), now, nil, "10.0.0.1", "", "ios-app")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, token_hash, replaced_by_token_hash, expires_at, created_at, revoked_at, created_by_ip, revoked_by_ip, user_agent FROM refresh_tokens WHERE token_hash = $1 LIMIT 1")).
		WithArgs("hash-1").
		WillReturnRows(rows)

	record, err := repo.FindByHash(context.Background(), "hash-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "rt-1", record.ID)
	assert.Equal(t, "u-1", record.UserID)
	assert.Nil(t, record.RevokedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByHashAbsent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectQuery("SELECT .+ FROM refresh_tokens WHERE token_hash").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	record, err := repo.FindByHash(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRotation(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	replacement := sampleRecord(now)
	replacement.ID = "rt-2"
	replacement.TokenHash = "hash-2"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens")).
		WithArgs("rt-1", now, "10.0.0.2", "hash-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.CommitRotation(context.Background(), "rt-1", now, "10.0.0.2", replacement)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRotationStaleRecord(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	replacement := sampleRecord(now)
	replacement.ID = "rt-2"
	replacement.TokenHash = "hash-2"

	// Someone else revoked the record first: no row matches the guard and
	// nothing is inserted.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens")).
		WithArgs("rt-1", now, "10.0.0.2", "hash-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.CommitRotation(context.Background(), "rt-1", now, "10.0.0.2", replacement)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrStaleRecord))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRotationDuplicateHash(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	replacement := sampleRecord(now)
	replacement.ID = "rt-2"
	replacement.TokenHash = "hash-2"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	err := repo.CommitRotation(context.Background(), "rt-1", now, "10.0.0.2", replacement)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrDuplicateHash))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeGuarded(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2, revoked_by_ip = $3 WHERE id = $1 AND revoked_at IS NULL")).
		WithArgs("rt-1", now, "10.0.0.1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := repo.Revoke(context.Background(), "rt-1", now, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAlreadyRevoked(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE refresh_tokens").
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := repo.Revoke(context.Background(), "rt-1", now, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAllForUser(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL")).
		WithArgs("u-1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	revoked, err := repo.RevokeAllForUser(context.Background(), "u-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveForUser(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "token_hash", "replaced_by_token_hash", "expires_at", "created_at", "revoked_at", "created_by_ip", "revoked_by_ip", "user_agent"}).
		AddRow("rt-2", "u-1", "hash-2", nil, now.Add(24*time.Hour), now, nil, "10.0.0.1", "", "ios-app").
		AddRow("rt-1", "u-1", "hash-1", nil, now.Add(12*time.Hour), now.Add(-time.Hour), nil, "10.0.0.1", "", "ios-app")
	mock.ExpectQuery("SELECT .+ FROM refresh_tokens WHERE user_id").
		WithArgs("u-1", now).
		WillReturnRows(rows)

	records, err := repo.ListActiveForUser(context.Background(), "u-1", now)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "rt-2", records[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredBefore(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE expires_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	deleted, err := repo.DeleteExpiredBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
