package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fitsync/fitsync-api/internal/models"
	appErrors "github.com/fitsync/fitsync-api/pkg/errors"
)

const uniqueViolation = pq.ErrorCode("23505")

const refreshTokenColumns = `id, user_id, token_hash, replaced_by_token_hash, expires_at, created_at, revoked_at, created_by_ip, revoked_by_ip, user_agent`

// TokenRepository persists refresh-token records in PostgreSQL.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create inserts a new refresh-token record. A token_hash collision fails
// with DUPLICATE_HASH.
func (r *TokenRepository) Create(ctx context.Context, record *models.RefreshTokenRecord) error {
	const query = `INSERT INTO refresh_tokens (id, user_id, token_hash, replaced_by_token_hash, expires_at, created_at, revoked_at, created_by_ip, revoked_by_ip, user_agent)
		VALUES (:id, :user_id, :token_hash, :replaced_by_token_hash, :expires_at, :created_at, :revoked_at, :created_by_ip, :revoked_by_ip, :user_agent)`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		if isUniqueViolation(err) {
			return appErrors.Wrap(err, appErrors.ErrDuplicateHash.Code, appErrors.ErrDuplicateHash.Status, "token hash already exists")
		}
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByHash returns the record matching the digest, or nil when absent.
func (r *TokenRepository) FindByHash(ctx context.Context, hash string) (*models.RefreshTokenRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM refresh_tokens WHERE token_hash = $1 LIMIT 1`, refreshTokenColumns)
	var record models.RefreshTokenRecord
	if err := r.db.GetContext(ctx, &record, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find refresh token by hash: %w", err)
	}
	return &record, nil
}

// CommitRotation atomically revokes the old record, links it to its
// replacement, and inserts the replacement. The update is guarded by an
// optimistic check on revoked_at still being null; losing that race fails
// with STALE_RECORD and nothing is written.
func (r *TokenRepository) CommitRotation(ctx context.Context, oldID string, revokedAt time.Time, revokedByIP string, replacement *models.RefreshTokenRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const revokeQuery = `UPDATE refresh_tokens
		SET revoked_at = $2, revoked_by_ip = $3, replaced_by_token_hash = $4
		WHERE id = $1 AND revoked_at IS NULL`
	result, err := tx.ExecContext(ctx, revokeQuery, oldID, revokedAt, revokedByIP, replacement.TokenHash)
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrStaleRecord, "")
	}

	const insertQuery = `INSERT INTO refresh_tokens (id, user_id, token_hash, replaced_by_token_hash, expires_at, created_at, revoked_at, created_by_ip, revoked_by_ip, user_agent)
		VALUES (:id, :user_id, :token_hash, :replaced_by_token_hash, :expires_at, :created_at, :revoked_at, :created_by_ip, :revoked_by_ip, :user_agent)`
	if _, err := tx.NamedExecContext(ctx, insertQuery, replacement); err != nil {
		if isUniqueViolation(err) {
			return appErrors.Wrap(err, appErrors.ErrDuplicateHash.Code, appErrors.ErrDuplicateHash.Status, "token hash already exists")
		}
		return fmt.Errorf("insert replacement token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}

// Revoke marks a record revoked without a replacement. The update only
// applies when the record is not yet revoked, so an earlier revocation's
// instant and provenance are never overwritten. Returns whether a row was
// updated.
func (r *TokenRepository) Revoke(ctx context.Context, id string, revokedAt time.Time, revokedByIP string) (bool, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2, revoked_by_ip = $3 WHERE id = $1 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, revokedAt, revokedByIP)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return affected > 0, nil
}

// RevokeAllForUser revokes every unrevoked record owned by the user.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID string, revokedAt time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, userID, revokedAt)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return affected, nil
}

// ListActiveForUser returns the user's unrevoked, unexpired records, newest
// first.
func (r *TokenRepository) ListActiveForUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshTokenRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM refresh_tokens WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2 ORDER BY created_at DESC`, refreshTokenColumns)
	var records []models.RefreshTokenRecord
	if err := r.db.SelectContext(ctx, &records, query, userID, now); err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	return records, nil
}

// DeleteExpiredBefore removes records whose expiry predates the cutoff.
// Retention only; request handling never deletes rows.
func (r *TokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return affected, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
