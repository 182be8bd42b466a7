package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kerrors"
)

const totpIssuer = "AetherOS"

// MFASetup is returned by SetupMFA. The secret is shown to the user once;
// afterwards only possession of the authenticator proves it.
type MFASetup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"` // otpauth:// provisioning URI
}

// SetupMFA generates a new TOTP secret for the user and stores it in a
// pending (disabled) state. Enabling requires a valid code, proving the
// authenticator was actually provisioned.
func (s *Service) SetupMFA(ctx context.Context, userID string) (*MFASetup, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, kerrors.E(kerrors.CodeNotFound, "user not found")
	}
	if user.MFAEnabled {
		return nil, kerrors.E(kerrors.CodeInvalidState, "mfa already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Username,
		SecretSize:  20,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	if err := s.store.SetUserMFA(ctx, userID, key.Secret(), false); err != nil {
		return nil, fmt.Errorf("store mfa secret: %w", err)
	}

	return &MFASetup{Secret: key.Secret(), URI: key.URL()}, nil
}

// EnableMFA flips MFA on after the user proves possession of the
// authenticator with a current code.
func (s *Service) EnableMFA(ctx context.Context, userID, code string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return kerrors.E(kerrors.CodeNotFound, "user not found")
	}
	if user.MFAEnabled {
		return kerrors.E(kerrors.CodeInvalidState, "mfa already enabled")
	}
	if user.MFASecret == "" {
		return kerrors.E(kerrors.CodeInvalidState, "mfa setup not started")
	}
	if !verifyTOTP(user.MFASecret, code) {
		return kerrors.E(kerrors.CodeForbidden, "invalid code")
	}

	if err := s.store.SetUserMFA(ctx, userID, user.MFASecret, true); err != nil {
		return fmt.Errorf("enable mfa: %w", err)
	}
	s.bus.Emit(eventbus.AuthMFAEnabled, map[string]any{"user_id": userID, "username": user.Username})
	return nil
}

// DisableMFA turns MFA off. The caller must present a current code; the
// password alone is not enough to weaken an account's login.
func (s *Service) DisableMFA(ctx context.Context, userID, code string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return kerrors.E(kerrors.CodeNotFound, "user not found")
	}
	if !user.MFAEnabled {
		return kerrors.E(kerrors.CodeInvalidState, "mfa not enabled")
	}
	if !verifyTOTP(user.MFASecret, code) {
		return kerrors.E(kerrors.CodeForbidden, "invalid code")
	}

	if err := s.store.SetUserMFA(ctx, userID, "", false); err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	s.bus.Emit(eventbus.AuthMFADisabled, map[string]any{"user_id": userID, "username": user.Username})
	return nil
}

// verifyTOTP accepts the current 30-second window plus one step of skew in
// either direction.
func verifyTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
