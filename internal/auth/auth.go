package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/persist"
)

var (
	ErrBadCredentials  = errors.New("auth: bad credentials")
	ErrAccountDisabled = errors.New("auth: account disabled")
	ErrUsernameTaken   = errors.New("auth: username taken")
	ErrWeakPassword    = errors.New("auth: password does not meet policy")
)

// AccountStore is the slice of the account repository the service needs.
type AccountStore interface {
	Load(ctx context.Context, username string) (*persist.AccountRow, error)
	Create(ctx context.Context, username, passwordHash, salt, email string, contentIDs int) (uint32, error)
	UpdatePassword(ctx context.Context, id uint32, passwordHash, salt string) error
}

// Service implements the bootloader credential operations: login, account
// creation and password change.
type Service struct {
	store      AccountStore
	contentIDs int
	log        *zap.Logger
}

func NewService(store AccountStore, newAccountContentIDs int, log *zap.Logger) *Service {
	return &Service{store: store, contentIDs: newAccountContentIDs, log: log}
}

// Login verifies the credentials and returns the account row. Disabled
// accounts fail with ErrAccountDisabled; they may still change password.
func (s *Service) Login(ctx context.Context, username, password string) (*persist.AccountRow, error) {
	acct, err := s.authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if !acct.Enabled || acct.Privileges&persist.PrivEnabled == 0 {
		return nil, ErrAccountDisabled
	}
	return acct, nil
}

func (s *Service) authenticate(ctx context.Context, username, password string) (*persist.AccountRow, error) {
	acct, err := s.store.Load(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", username, err)
	}
	if acct == nil {
		return nil, ErrBadCredentials
	}
	want := HashPassword(password, acct.Salt)
	if subtle.ConstantTimeCompare([]byte(want), []byte(acct.PasswordHash)) != 1 {
		return nil, ErrBadCredentials
	}
	return acct, nil
}

// CreateAccount registers a new account with its pre-allocated content
// slots and returns the account id.
func (s *Service) CreateAccount(ctx context.Context, username, password, email string) (uint32, error) {
	existing, err := s.store.Load(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("load account %s: %w", username, err)
	}
	if existing != nil {
		return 0, ErrUsernameTaken
	}
	if !ComplexityOK(password) {
		return 0, ErrWeakPassword
	}
	salt, err := NewSalt()
	if err != nil {
		return 0, err
	}
	id, err := s.store.Create(ctx, username, HashPassword(password, salt), salt, email, s.contentIDs)
	if err != nil {
		return 0, fmt.Errorf("create account %s: %w", username, err)
	}
	s.log.Info("account created", zap.String("username", username), zap.Uint32("account", id))
	return id, nil
}

// ChangePassword authenticates with the old password and installs a new
// one under a fresh salt. Works for disabled accounts.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	acct, err := s.authenticate(ctx, username, oldPassword)
	if err != nil {
		return err
	}
	if !ComplexityOK(newPassword) {
		return ErrWeakPassword
	}
	salt, err := NewSalt()
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, acct.ID, HashPassword(newPassword, salt), salt); err != nil {
		return fmt.Errorf("update password for %s: %w", username, err)
	}
	s.log.Info("password changed", zap.Uint32("account", acct.ID))
	return nil
}

// HashPassword is the store's digest contract: hex SHA-256 of the
// password concatenated with the salt.
func HashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

const saltAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!#$%&*+-=?"

// NewSalt builds a per-account salt: 10 random printable bytes followed
// by the decimal current time.
func NewSalt() (string, error) {
	var raw [10]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read salt entropy: %w", err)
	}
	out := make([]byte, 10)
	for i, b := range raw {
		out[i] = saltAlphabet[int(b)%len(saltAlphabet)]
	}
	return string(out) + strconv.FormatInt(time.Now().Unix(), 10), nil
}

// ComplexityOK enforces the password policy: at least 8 characters using
// at least 3 of the 4 character classes.
func ComplexityOK(password string) bool {
	if len(password) < 8 {
		return false
	}
	var upper, lower, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, digit, other} {
		if ok {
			classes++
		}
	}
	return classes >= 3
}
