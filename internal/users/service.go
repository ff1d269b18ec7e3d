package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noteledger/backend/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("users: username already registered")
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates an unknown username or wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrNotFound indicates no user matches the lookup.
	ErrNotFound = errors.New("users: user not found")
	// ErrInvalidInput indicates a blank username, email, or unusable password.
	ErrInvalidInput = errors.New("users: invalid input")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages account registration and credential checks.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Register creates an account with a bcrypt-hashed password. Username and
// email must both be unused.
func (s *Service) Register(ctx context.Context, username, email, password string) (User, error) {
	username = normalize(username)
	email = normalize(email)
	if username == "" || email == "" {
		return User{}, fmt.Errorf("%w: blank username or email", ErrInvalidInput)
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	user := User{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.Where("username = ?", username).Take(&existing).Error
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		err = tx.Where("email = ?", email).Take(&existing).Error
		if err == nil {
			return ErrEmailTaken
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		return tx.Create(&user).Error
	})
	if txErr != nil {
		return User{}, txErr
	}
	return user, nil
}

// Authenticate verifies a username/password pair and returns the account.
// Unknown usernames and wrong passwords are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", normalize(username)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := auth.VerifyPassword(user.PasswordHash, password); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// FindByID loads an account by its identifier.
func (s *Service) FindByID(ctx context.Context, id uint) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// FindByUsername loads an account by its username.
func (s *Service) FindByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", normalize(username)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// LookupIDByUsername resolves a username to its user id. It satisfies the
// notes service's user directory dependency.
func (s *Service) LookupIDByUsername(ctx context.Context, username string) (uint, bool, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", normalize(username)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return user.ID, true, nil
}
