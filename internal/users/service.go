// Package users manages registered accounts and serves the users collection.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/MarcoPoloResearchLab/registry/internal/collections"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrUsernameTaken indicates the username belongs to another account.
	ErrUsernameTaken = fmt.Errorf("users: username already taken: %w", collections.ErrConflict)
	// ErrInvalidCredentials indicates an unknown username or a wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrAccountPending indicates the account has not been approved yet.
	ErrAccountPending = errors.New("users: account pending approval")
	// ErrInvalidAccount indicates a registration or record without the required fields.
	ErrInvalidAccount = fmt.Errorf("users: invalid account: %w", collections.ErrInvalidRecord)
	// ErrAccountNotFound indicates no account has the requested id.
	ErrAccountNotFound = fmt.Errorf("users: account not found: %w", collections.ErrNotFound)

	errNotPermitted = fmt.Errorf("users: not permitted: %w", collections.ErrForbidden)
)

const (
	opServiceNew   = "users.service.new"
	opRegister     = "users.register"
	opAuthenticate = "users.authenticate"
	opEnsureAdmin  = "users.ensure_admin"
	opList         = "users.list"
	opCreate       = "users.create"
	opUpdate       = "users.update"
	opDelete       = "users.delete"
)

// Registration describes a self-service sign-up.
type Registration struct {
	Username string
	Password string
	Name     string
	Address  string
	Contact  string
}

// ServiceConfig describes the dependencies of the accounts service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider collections.IDProvider
	HashCost   int
	Logger     *zap.Logger
}

// Service manages accounts and implements the users collection backend.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	ids      collections.IDProvider
	hashCost int
	logger   *zap.Logger
}

var _ collections.Backend = (*Service)(nil)

// NewService constructs the accounts service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, collections.NewServiceError(opServiceNew, "missing_database", errors.New("database connection required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = collections.NewUUIDProvider()
	}
	cost := cfg.HashCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, ids: ids, hashCost: cost, logger: logger}, nil
}

// Register creates a pending account with the user role.
func (s *Service) Register(ctx context.Context, registration Registration) (Account, error) {
	username := normalize(registration.Username)
	if username == "" || registration.Password == "" {
		return Account{}, collections.NewServiceError(opRegister, "invalid_account", ErrInvalidAccount)
	}
	hash, err := s.hash(registration.Password)
	if err != nil {
		return Account{}, collections.NewServiceError(opRegister, "hash_failed", err)
	}
	account := Account{
		Username:     username,
		PasswordHash: hash,
		Name:         normalize(registration.Name),
		Address:      normalize(registration.Address),
		Contact:      normalize(registration.Contact),
		Role:         RoleUser,
		Status:       StatusPending,
	}
	return s.insert(ctx, opRegister, account)
}

// Authenticate verifies a username and password. Pending accounts are refused after the password
// checks out.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", normalize(username)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		s.logError(opAuthenticate, "select_failed", err)
		return Account{}, collections.NewServiceError(opAuthenticate, "select_failed", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return Account{}, ErrInvalidCredentials
	}
	if account.Status == StatusPending {
		return Account{}, ErrAccountPending
	}
	return account, nil
}

// Find returns the account with the given id.
func (s *Service) Find(ctx context.Context, id string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", normalize(id)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// EnsureAdmin creates an active administrator unless the username already exists.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (Account, error) {
	username = normalize(username)
	var existing Account
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, collections.NewServiceError(opEnsureAdmin, "select_failed", err)
	}
	hash, err := s.hash(password)
	if err != nil {
		return Account{}, collections.NewServiceError(opEnsureAdmin, "hash_failed", err)
	}
	account, err := s.insert(ctx, opEnsureAdmin, Account{
		Username:     username,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Status:       StatusActive,
	})
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("bootstrap administrator created", zap.String("username", username))
	return account, nil
}

// List returns every account. Password hashes are included for administrators and for the
// viewer's own account so that clients can authenticate offline.
func (s *Service) List(ctx context.Context, viewer *auth.Identity) ([]records.Record, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&accounts).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, collections.NewServiceError(opList, "query_failed", err)
	}
	out := make([]records.Record, 0, len(accounts))
	for _, account := range accounts {
		withHash := isAdmin(viewer) || (viewer != nil && viewer.UserID == account.ID)
		out = append(out, account.Record(withHash))
	}
	return out, nil
}

// Create adds an account from a users record. Only administrators may choose role and status;
// everyone else gets a pending user account.
func (s *Service) Create(ctx context.Context, viewer *auth.Identity, record records.Record) (records.Record, error) {
	username := text(record, fieldUsername)
	if username == "" {
		return nil, collections.NewServiceError(opCreate, "missing_username", ErrInvalidAccount)
	}
	hash, err := s.passwordFrom(record)
	if err != nil {
		return nil, collections.NewServiceError(opCreate, "invalid_password", err)
	}
	if hash == "" {
		return nil, collections.NewServiceError(opCreate, "missing_password", ErrInvalidAccount)
	}

	account := Account{
		Username:     username,
		PasswordHash: hash,
		Name:         text(record, fieldName),
		Address:      text(record, fieldAddress),
		Contact:      text(record, fieldContact),
		Role:         RoleUser,
		Status:       StatusPending,
		Modified:     s.modifiedFrom(record),
	}
	if isAdmin(viewer) {
		account.Role = valueOr(text(record, fieldRole), RoleUser)
		account.Status = valueOr(text(record, fieldStatus), StatusActive)
	}

	created, err := s.insert(ctx, opCreate, account)
	if err != nil {
		return nil, err
	}
	return created.Record(isAdmin(viewer)), nil
}

// Update replaces an account. Users may edit their own account; administrators may edit any
// account and change its role and status.
func (s *Service) Update(ctx context.Context, viewer *auth.Identity, id string, record records.Record) (records.Record, error) {
	id = normalize(id)
	if viewer == nil || (!isAdmin(viewer) && viewer.UserID != id) {
		return nil, collections.NewServiceError(opUpdate, "forbidden", errNotPermitted)
	}

	var updated Account
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account Account
		err := tx.Where("id = ?", id).Take(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return collections.NewServiceError(opUpdate, "not_found", ErrAccountNotFound)
		}
		if err != nil {
			return collections.NewServiceError(opUpdate, "select_failed", err)
		}

		if username := text(record, fieldUsername); username != "" && username != account.Username {
			taken, err := usernameExists(tx, username)
			if err != nil {
				return collections.NewServiceError(opUpdate, "select_failed", err)
			}
			if taken {
				return collections.NewServiceError(opUpdate, "username_taken", ErrUsernameTaken)
			}
			account.Username = username
		}
		hash, err := s.passwordFrom(record)
		if err != nil {
			return collections.NewServiceError(opUpdate, "invalid_password", err)
		}
		if hash != "" {
			account.PasswordHash = hash
		}
		account.Name = text(record, fieldName)
		account.Address = text(record, fieldAddress)
		account.Contact = text(record, fieldContact)
		account.Modified = s.modifiedFrom(record)
		if isAdmin(viewer) {
			account.Role = valueOr(text(record, fieldRole), account.Role)
			account.Status = valueOr(text(record, fieldStatus), account.Status)
		}
		if err := tx.Save(&account).Error; err != nil {
			s.logError(opUpdate, "save_failed", err, zap.String("account_id", id))
			return collections.NewServiceError(opUpdate, "save_failed", err)
		}
		updated = account
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return updated.Record(true), nil
}

// Delete removes an account. Only administrators may delete accounts.
func (s *Service) Delete(ctx context.Context, viewer *auth.Identity, id string) error {
	if !isAdmin(viewer) {
		return collections.NewServiceError(opDelete, "forbidden", errNotPermitted)
	}
	result := s.db.WithContext(ctx).Where("id = ?", normalize(id)).Delete(&Account{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("account_id", id))
		return collections.NewServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return collections.NewServiceError(opDelete, "not_found", ErrAccountNotFound)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, operation string, account Account) (Account, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Account{}, collections.NewServiceError(operation, "id_generation_failed", err)
	}
	account.ID = id
	if account.Modified == "" {
		account.Modified = s.now().UTC().Format(time.RFC3339Nano)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := usernameExists(tx, account.Username)
		if err != nil {
			return collections.NewServiceError(operation, "select_failed", err)
		}
		if taken {
			return collections.NewServiceError(operation, "username_taken", ErrUsernameTaken)
		}
		if err := tx.Create(&account).Error; err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return collections.NewServiceError(operation, "username_taken", ErrUsernameTaken)
			}
			s.logError(operation, "insert_failed", err)
			return collections.NewServiceError(operation, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Account{}, txErr
	}
	return account, nil
}

// passwordFrom accepts a plain password, which is hashed, or a bcrypt hash produced by a client
// that registered offline. It returns "" when the record carries neither.
func (s *Service) passwordFrom(record records.Record) (string, error) {
	if plain, _ := record[fieldPassword].(string); plain != "" {
		return s.hash(plain)
	}
	hash := text(record, fieldPasswordHash)
	if hash == "" {
		return "", nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return "", fmt.Errorf("%w: password_hash is not a bcrypt hash", ErrInvalidAccount)
	}
	return hash, nil
}

func (s *Service) hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) modifiedFrom(record records.Record) string {
	if modified, ok := record.Modified(); ok {
		return modified.UTC().Format(time.RFC3339Nano)
	}
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}

func usernameExists(tx *gorm.DB, username string) (bool, error) {
	var count int64
	if err := tx.Model(&Account{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
