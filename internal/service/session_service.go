package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync-api/internal/models"
	appErrors "github.com/fitsync/fitsync-api/pkg/errors"
)

// RefreshTokenStore abstracts persistence for refresh-token records.
//
// FindByHash returns (nil, nil) when no record matches. CommitRotation must
// apply both mutations atomically: revoke-and-link the old record, insert
// the replacement. It fails with a STALE_RECORD error when the old record
// was revoked between lookup and commit, and with DUPLICATE_HASH when the
// replacement's hash collides with an existing record.
type RefreshTokenStore interface {
	Create(ctx context.Context, record *models.RefreshTokenRecord) error
	FindByHash(ctx context.Context, hash string) (*models.RefreshTokenRecord, error)
	CommitRotation(ctx context.Context, oldID string, revokedAt time.Time, revokedByIP string, replacement *models.RefreshTokenRecord) error
	Revoke(ctx context.Context, id string, revokedAt time.Time, revokedByIP string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, revokedAt time.Time) (int64, error)
	ListActiveForUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshTokenRecord, error)
}

// PrincipalResolver looks up token owners. Owned by user management; the
// session layer only ever reads through it.
type PrincipalResolver interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// SessionCache caches the active-session view per user.
type SessionCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// SessionConfig tunes token lifetimes.
type SessionConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CacheTTL        time.Duration
}

// SessionService owns the credential/session lifecycle: issuing token
// pairs, rotating refresh tokens with replay detection, and revocation.
type SessionService struct {
	store      RefreshTokenStore
	principals PrincipalResolver
	codec      *AccessTokenCodec
	hasher     TokenHasher
	random     SecureRandomSource
	clock      Clock
	config     SessionConfig
	logger     *zap.Logger

	cache   SessionCache
	metrics *MetricsService
}

// NewSessionService constructs a SessionService. A nil hasher, random
// source, clock, or logger falls back to the production default.
func NewSessionService(store RefreshTokenStore, principals PrincipalResolver, codec *AccessTokenCodec, hasher TokenHasher, random SecureRandomSource, clock Clock, cfg SessionConfig, logger *zap.Logger) *SessionService {
	if hasher == nil {
		hasher = SHA256TokenHasher{}
	}
	if random == nil {
		random = CryptoRandSource{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 30 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &SessionService{
		store:      store,
		principals: principals,
		codec:      codec,
		hasher:     hasher,
		random:     random,
		clock:      clock,
		config:     cfg,
		logger:     logger,
	}
}

// AttachCache enables the Redis-backed active-session view cache.
func (s *SessionService) AttachCache(cache SessionCache) {
	s.cache = cache
}

// AttachMetrics enables session lifecycle counters.
func (s *SessionService) AttachMetrics(metrics *MetricsService) {
	s.metrics = metrics
}

// IssueTokenPair mints an access token and a fresh refresh token for an
// already-authenticated user. One new record is persisted; nothing else is
// touched. A hash collision on insert is retried once with a new secret.
func (s *SessionService) IssueTokenPair(ctx context.Context, user *models.User, ip, userAgent string) (*models.TokenPair, error) {
	pair, err := s.issue(ctx, user, ip, userAgent)
	if appErrors.HasCode(err, appErrors.ErrDuplicateHash) {
		s.logger.Warn("token hash collision on issue, retrying with fresh secret", zap.String("user_id", user.ID))
		pair, err = s.issue(ctx, user, ip, userAgent)
	}
	if err != nil {
		return nil, err
	}

	s.invalidateSessionView(ctx, user.ID)
	if s.metrics != nil {
		s.metrics.IncSessionIssued()
	}
	return pair, nil
}

func (s *SessionService) issue(ctx context.Context, user *models.User, ip, userAgent string) (*models.TokenPair, error) {
	now := s.clock.Now()

	accessToken, err := s.codec.Encode(user, now, now.Add(s.config.AccessTokenTTL))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}

	secret, err := s.random.Secret()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate refresh secret")
	}

	record := &models.RefreshTokenRecord{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		TokenHash:   s.hasher.Hash(secret),
		ExpiresAt:   now.Add(s.config.RefreshTokenTTL),
		CreatedAt:   now,
		CreatedByIP: ip,
		UserAgent:   userAgent,
	}
	start := time.Now()
	err = s.store.Create(ctx, record)
	if s.metrics != nil {
		s.metrics.ObserveDBQuery("refresh_token_insert", time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  now.Add(s.config.AccessTokenTTL),
		RefreshToken:          secret,
		RefreshTokenExpiresAt: record.ExpiresAt,
	}, nil
}

// RefreshTokenPair exchanges a presented refresh secret for a new token
// pair. The presented token's record is revoked and linked to its
// replacement in one atomic commit; presenting an already-rotated or
// revoked token is always rejected (replay detection, no grace window).
//
// DUPLICATE_HASH and STALE_RECORD are store-internal races: the whole
// lookup-verify-commit sequence is re-run once with a fresh secret. A
// retry after a lost rotation race lands on the revoked record and fails
// with TOKEN_NO_LONGER_ACTIVE, which is the required outcome for the
// losing caller.
func (s *SessionService) RefreshTokenPair(ctx context.Context, presentedSecret, ip, userAgent string) (*models.TokenPair, *models.User, error) {
	pair, user, err := s.rotate(ctx, presentedSecret, ip, userAgent)
	if appErrors.HasCode(err, appErrors.ErrDuplicateHash) || appErrors.HasCode(err, appErrors.ErrStaleRecord) {
		s.logger.Warn("rotation race, re-running lookup-verify-commit", zap.String("code", appErrors.FromError(err).Code))
		pair, user, err = s.rotate(ctx, presentedSecret, ip, userAgent)
	}
	if err != nil {
		return nil, nil, err
	}

	s.invalidateSessionView(ctx, user.ID)
	if s.metrics != nil {
		s.metrics.IncSessionRotated()
	}
	return pair, user, nil
}

func (s *SessionService) rotate(ctx context.Context, presentedSecret, ip, userAgent string) (*models.TokenPair, *models.User, error) {
	now := s.clock.Now()

	start := time.Now()
	record, err := s.store.FindByHash(ctx, s.hasher.Hash(presentedSecret))
	if s.metrics != nil {
		s.metrics.ObserveDBQuery("refresh_token_lookup", time.Since(start))
	}
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up refresh token")
	}
	if record == nil {
		return nil, nil, appErrors.Clone(appErrors.ErrTokenNotRecognized, "")
	}

	if record.RevokedAt != nil {
		// Second use of an already rotated or revoked token: replay.
		s.logger.Warn("refresh token reuse detected",
			zap.String("record_id", record.ID),
			zap.String("user_id", record.UserID),
			zap.String("ip", ip))
		if s.metrics != nil {
			s.metrics.IncSessionReuseDetected()
		}
		return nil, nil, appErrors.Clone(appErrors.ErrTokenNoLongerActive, "")
	}

	if record.IsExpired(now) {
		return nil, nil, appErrors.Clone(appErrors.ErrTokenExpired, "")
	}

	user, err := s.principals.FindByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrPrincipalUnavailable, "")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load token owner")
	}
	if user == nil || !user.Active {
		return nil, nil, appErrors.Clone(appErrors.ErrPrincipalUnavailable, "")
	}

	accessToken, err := s.codec.Encode(user, now, now.Add(s.config.AccessTokenTTL))
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}

	secret, err := s.random.Secret()
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate refresh secret")
	}

	replacement := &models.RefreshTokenRecord{
		ID:          uuid.NewString(),
		UserID:      record.UserID,
		TokenHash:   s.hasher.Hash(secret),
		ExpiresAt:   now.Add(s.config.RefreshTokenTTL),
		CreatedAt:   now,
		CreatedByIP: ip,
		UserAgent:   userAgent,
	}
	start = time.Now()
	err = s.store.CommitRotation(ctx, record.ID, now, ip, replacement)
	if s.metrics != nil {
		s.metrics.ObserveDBQuery("refresh_token_rotation", time.Since(start))
	}
	if err != nil {
		return nil, nil, err
	}

	return &models.TokenPair{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  now.Add(s.config.AccessTokenTTL),
		RefreshToken:          secret,
		RefreshTokenExpiresAt: replacement.ExpiresAt,
	}, user, nil
}

// RevokeToken revokes the record behind the presented secret without a
// replacement (logout). Revoking an already-revoked token is a no-op
// success; the original revocation instant and provenance are preserved.
func (s *SessionService) RevokeToken(ctx context.Context, presentedSecret, ip string) error {
	record, err := s.store.FindByHash(ctx, s.hasher.Hash(presentedSecret))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up refresh token")
	}
	if record == nil {
		return appErrors.Clone(appErrors.ErrTokenNotRecognized, "")
	}
	if record.RevokedAt != nil {
		return nil
	}

	// The guarded update makes a concurrent revocation a silent no-op.
	if _, err := s.store.Revoke(ctx, record.ID, s.clock.Now(), ip); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}

	s.invalidateSessionView(ctx, record.UserID)
	if s.metrics != nil {
		s.metrics.IncSessionRevoked()
	}
	return nil
}

// RevokeAllForUser revokes every active refresh token owned by the user,
// used after password changes and account deactivation.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID string) error {
	revoked, err := s.store.RevokeAllForUser(ctx, userID, s.clock.Now())
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user sessions")
	}

	s.invalidateSessionView(ctx, userID)
	if s.metrics != nil && revoked > 0 {
		s.metrics.IncSessionRevoked()
	}
	return nil
}

// ActiveSessions returns the audit view of the user's active refresh-token
// records, served from cache when possible.
func (s *SessionService) ActiveSessions(ctx context.Context, userID string) ([]models.SessionInfo, error) {
	key := sessionViewKey(userID)

	if s.cache != nil {
		var cached []models.SessionInfo
		start := time.Now()
		err := s.cache.Get(ctx, key, &cached)
		if s.metrics != nil {
			s.metrics.RecordCacheOperation(err == nil, time.Since(start))
		}
		if err == nil {
			return cached, nil
		}
		if !appErrors.HasCode(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("session view cache read failed", zap.Error(err))
		}
	}

	records, err := s.store.ListActiveForUser(ctx, userID, s.clock.Now())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}

	sessions := make([]models.SessionInfo, 0, len(records))
	for _, record := range records {
		sessions = append(sessions, models.SessionInfo{
			ID:          record.ID,
			CreatedAt:   record.CreatedAt,
			ExpiresAt:   record.ExpiresAt,
			CreatedByIP: record.CreatedByIP,
			UserAgent:   record.UserAgent,
		})
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, sessions, s.config.CacheTTL); err != nil {
			s.logger.Warn("session view cache write failed", zap.Error(err))
		}
	}

	return sessions, nil
}

func (s *SessionService) invalidateSessionView(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, sessionViewKey(userID)); err != nil {
		s.logger.Warn("session view cache invalidation failed", zap.Error(err), zap.String("user_id", userID))
	}
}

func sessionViewKey(userID string) string {
	return fmt.Sprintf("sessions:user:%s", userID)
}
