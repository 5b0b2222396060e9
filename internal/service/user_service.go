package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync-api/internal/models"
	appErrors "github.com/fitsync/fitsync-api/pkg/errors"
)

type userRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	Create(ctx context.Context, user *models.User) error
	Deactivate(ctx context.Context, id string, updatedAt time.Time) error
}

type auditStore interface {
	auditWriter
	ListByUser(ctx context.Context, userID string, limit int) ([]models.AuditLog, error)
}

// UserService provides principal administration use cases.
type UserService struct {
	repo      userRepository
	sessions  *SessionService
	passwords PasswordHasher
	audit     auditStore
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService constructs a UserService.
func NewUserService(repo userRepository, sessions *SessionService, passwords PasswordHasher, audit auditStore, validate *validator.Validate, logger *zap.Logger) *UserService {
	if passwords == nil {
		passwords = BcryptHasher{}
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{repo: repo, sessions: sessions, passwords: passwords, audit: audit, validator: validate, logger: logger}
}

// List returns users matching the filter with pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	return users, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Get returns a single user by id.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// Create provisions a new account with a hashed credential.
func (s *UserService) Create(ctx context.Context, req models.CreateUserRequest, actor *models.JWTClaims) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}

	if existing, err := s.repo.FindByEmail(ctx, req.Email); err == nil && existing != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}

	hash, err := s.passwords.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        req.Email,
		Username:     req.Username,
		FullName:     req.FullName,
		PasswordHash: hash,
		Role:         req.Role,
		Active:       true,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.writeAudit(ctx, actor, models.AuditActionUserCreated, user.ID)

	return user, nil
}

// Deactivate marks the user inactive and revokes all active sessions so the
// account cannot refresh its way back in.
func (s *UserService) Deactivate(ctx context.Context, id string, actor *models.JWTClaims) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	if err := s.repo.Deactivate(ctx, id, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}

	if s.sessions != nil {
		if err := s.sessions.RevokeAllForUser(ctx, id); err != nil {
			s.logger.Warn("failed to revoke sessions on deactivation", zap.Error(err), zap.String("user_id", id))
		}
	}

	s.writeAudit(ctx, actor, models.AuditActionUserDeactivated, id)

	return nil
}

// AuditTrail returns the most recent security events recorded for a user.
func (s *UserService) AuditTrail(ctx context.Context, userID string, limit int) ([]models.AuditLog, error) {
	if s.audit == nil {
		return nil, nil
	}
	entries, err := s.audit.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit trail")
	}
	return entries, nil
}

func (s *UserService) writeAudit(ctx context.Context, actor *models.JWTClaims, action models.AuditAction, targetID string) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		Action:     action,
		Resource:   "users",
		ResourceID: &targetID,
	}
	if actor != nil {
		entry.UserID = &actor.UserID
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.Error(err), zap.String("action", string(action)))
	}
}
