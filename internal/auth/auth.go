// Package auth provides authentication and authorization for the kernel:
// password login, TOTP MFA, bearer tokens, the org/team graph, and the
// policy engine.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kerrors"
	"github.com/aether-os/aether/internal/store"
)

// scrypt parameters. Verification re-derives with the same constants, so
// changing any of them invalidates stored hashes; bump them only together
// with a hash-format version.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 64
	saltLen      = 16
)

// MFA step-up tokens are short-lived by design.
const mfaTokenLifetime = 5 * time.Minute

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{2,}$`)

// Claims is the bearer token payload.
type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Purpose  string `json:"purpose,omitempty"` // "mfa" marks a step-up token
	jwt.RegisteredClaims
}

// LoginResult is returned by Authenticate. When MFARequired is set, Token
// is a short-lived step-up token that is only accepted by AuthenticateMFA.
type LoginResult struct {
	Token       string      `json:"token"`
	MFARequired bool        `json:"mfa_required,omitempty"`
	User        *store.User `json:"user,omitempty"`
}

// Service handles authentication operations.
type Service struct {
	store       store.Store
	bus         *eventbus.Bus
	tokenSecret []byte
	tokenExpiry time.Duration
}

// NewService creates a new auth service.
func NewService(s store.Store, bus *eventbus.Bus, tokenSecret []byte, tokenExpiry time.Duration) *Service {
	return &Service{
		store:       s,
		bus:         bus,
		tokenSecret: tokenSecret,
		tokenExpiry: tokenExpiry,
	}
}

// HashPassword derives a scrypt hash and returns it as "hexsalt:hexhash".
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// VerifyPassword checks password against a stored "hexsalt:hexhash" value
// in constant time.
func VerifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Register creates a new user account. The first account in an empty
// deployment is handled by Bootstrap, not here; Register always assigns
// the given role (defaulting to "user").
func (s *Service) Register(ctx context.Context, username, password, role string) (*store.User, error) {
	if !usernameRe.MatchString(username) {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "username must be at least 2 characters of [A-Za-z0-9_-]")
	}
	if len(password) < 4 {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "password must be at least 4 characters")
	}
	if role == "" {
		role = "user"
	}
	if role != "admin" && role != "user" {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "role must be admin or user")
	}

	existing, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, kerrors.E(kerrors.CodeConflict, "username %q already taken", username)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.bus.Emit(eventbus.UserCreated, map[string]any{
		"user_id": user.ID, "username": user.Username, "role": user.Role,
	})
	return user, nil
}

// Authenticate verifies a username/password pair. For accounts with MFA
// enabled it returns a step-up token instead of a session token; the
// caller must complete login with AuthenticateMFA.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil || !VerifyPassword(password, user.PasswordHash) {
		s.bus.Emit(eventbus.AuthFailure, map[string]any{"username": username, "reason": "bad_credentials"})
		return nil, kerrors.E(kerrors.CodeForbidden, "invalid credentials")
	}

	if user.MFAEnabled {
		token, err := s.mintToken(user, "mfa", mfaTokenLifetime)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Token: token, MFARequired: true}, nil
	}

	return s.completeLogin(ctx, user)
}

// AuthenticateMFA completes a two-step login: it accepts the step-up token
// from Authenticate plus a current TOTP code.
func (s *Service) AuthenticateMFA(ctx context.Context, stepUpToken, code string) (*LoginResult, error) {
	claims, err := s.parseToken(stepUpToken)
	if err != nil {
		return nil, kerrors.E(kerrors.CodeForbidden, "invalid mfa token")
	}
	if claims.Purpose != "mfa" {
		return nil, kerrors.E(kerrors.CodeForbidden, "token is not an mfa step-up token")
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil || !user.MFAEnabled {
		return nil, kerrors.E(kerrors.CodeForbidden, "invalid mfa token")
	}

	if !verifyTOTP(user.MFASecret, code) {
		s.bus.Emit(eventbus.AuthFailure, map[string]any{"username": user.Username, "reason": "bad_totp"})
		return nil, kerrors.E(kerrors.CodeForbidden, "invalid code")
	}

	return s.completeLogin(ctx, user)
}

func (s *Service) completeLogin(ctx context.Context, user *store.User) (*LoginResult, error) {
	token, err := s.mintToken(user, "", s.tokenExpiry)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	s.bus.Emit(eventbus.AuthSuccess, map[string]any{"user_id": user.ID, "username": user.Username})
	return &LoginResult{Token: token, User: user}, nil
}

// ValidateToken validates a session token and returns the caller's
// identity. Step-up tokens are rejected here: they authorize nothing but
// the MFA completion endpoint. The user row is re-checked so deleted
// accounts lose access before token expiry.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.parseToken(tokenStr)
	if err != nil {
		return nil, kerrors.E(kerrors.CodeForbidden, "invalid token")
	}
	if claims.Purpose != "" {
		return nil, kerrors.E(kerrors.CodeForbidden, "invalid token")
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, kerrors.E(kerrors.CodeForbidden, "invalid token")
	}

	return &Identity{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	}, nil
}

func (s *Service) mintToken(user *store.User, purpose string, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	if purpose == "" {
		claims.Username = user.Username
		claims.Role = user.Role
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parseToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.tokenSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// Bootstrap creates the initial admin user when the user table is empty.
// It returns the created user, or nil when bootstrap was not needed.
func (s *Service) Bootstrap(ctx context.Context, username, password string) (*store.User, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil, nil
	}

	if username == "" {
		username = "admin"
	}
	if password == "" {
		password = "admin"
	}
	return s.Register(ctx, username, password, "admin")
}

// ChangePassword verifies the current password and replaces it.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return kerrors.E(kerrors.CodeNotFound, "user not found")
	}
	if !VerifyPassword(current, user.PasswordHash) {
		return kerrors.E(kerrors.CodeForbidden, "invalid credentials")
	}
	if len(next) < 4 {
		return kerrors.E(kerrors.CodeInvalidInput, "password must be at least 4 characters")
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.store.SetPasswordHash(ctx, userID, hash)
}
