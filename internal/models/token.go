package models

import "time"

// RefreshTokenRecord is the persisted server-side half of a refresh token.
// Only the SHA-256 digest of the opaque secret is stored; the raw secret is
// handed to the client exactly once at issuance and never again.
//
// Rotation links records into a chain: when a token is exchanged, the old
// record gets RevokedAt and ReplacedByTokenHash set in the same transaction
// that inserts its successor. Both fields are write-once.
type RefreshTokenRecord struct {
	ID                  string     `db:"id" json:"id"`
	UserID              string     `db:"user_id" json:"user_id"`
	TokenHash           string     `db:"token_hash" json:"-"`
	ReplacedByTokenHash *string    `db:"replaced_by_token_hash" json:"-"`
	ExpiresAt           time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	RevokedAt           *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedByIP         string     `db:"created_by_ip" json:"created_by_ip,omitempty"`
	RevokedByIP         string     `db:"revoked_by_ip" json:"revoked_by_ip,omitempty"`
	UserAgent           string     `db:"user_agent" json:"user_agent,omitempty"`
}

// IsExpired reports whether the record has expired at the given instant.
// The boundary counts as expired: a record whose expiry equals now is dead.
func (r *RefreshTokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsActive reports whether the record is neither revoked nor expired.
func (r *RefreshTokenRecord) IsActive(now time.Time) bool {
	return r.RevokedAt == nil && !r.IsExpired(now)
}

// SessionInfo is the client-facing view of an active refresh-token record,
// used by the "active sessions" audit endpoint. The token hash never leaves
// the server.
type SessionInfo struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedByIP string    `json:"created_by_ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}
