package auth

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	. "relaychat/pkg/chat"
)

// ErrAuthFailed covers both unknown users and hash mismatches so callers
// cannot leak which part of the credential was wrong.
var ErrAuthFailed = errors.New("authentication failed")

type AuthService struct {
	db *gorm.DB
}

func NewAuthService(db *gorm.DB) *AuthService {
	return &AuthService{db: db}
}

// Register stores a user with the shared-salt hash of password.
func (s *AuthService) Register(username, password string) (*User, error) {
	if username == "" {
		return nil, errors.New("username cannot be empty")
	}
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return nil, errors.New("username cannot contain whitespace")
	}

	user := User{
		Username: username,
		Hash:     HashString(password),
	}

	return &user, s.db.Create(&user).Error
}

// Authenticate checks a LOGIN hash against the credential store.
func (s *AuthService) Authenticate(username, hash string) (*User, error) {
	var user User

	err := s.db.Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAuthFailed
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", username, err)
	}

	if !VerifyHashedString(hash, user.Hash) {
		return nil, ErrAuthFailed
	}

	return &user, nil
}

// Exists reports whether username is a known credential-store user.
func (s *AuthService) Exists(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *AuthService) Usernames() ([]string, error) {
	var names []string
	err := s.db.Model(&User{}).Order("username").Pluck("username", &names).Error
	return names, err
}
