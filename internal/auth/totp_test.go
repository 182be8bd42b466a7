package auth

import (
	"context"
	"encoding/base32"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func generateCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

// waitClearOfStepBoundary sleeps when the next 30-second step is imminent,
// so verification cannot land in a different step than generation.
func waitClearOfStepBoundary(t *testing.T) {
	t.Helper()
	if rem := 30 - time.Now().Unix()%30; rem <= 2 {
		time.Sleep(time.Duration(rem)*time.Second + 200*time.Millisecond)
	}
}

func TestVerifyTOTPSkewWindow(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: "alice",
		SecretSize:  20,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	secret := key.Secret()

	waitClearOfStepBoundary(t)
	now := time.Now()

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"two steps behind", -60 * time.Second, false},
		{"one step behind", -30 * time.Second, true},
		{"current step", 0, true},
		{"one step ahead", 30 * time.Second, true},
		{"two steps ahead", 60 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := generateCodeAt(t, secret, now.Add(tt.offset))
			if got := verifyTOTP(secret, code); got != tt.want {
				t.Errorf("verifyTOTP(code@%v) = %v, want %v", tt.offset, got, tt.want)
			}
		})
	}
}

func TestVerifyTOTPRejectsMalformedCodes(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: "alice",
		SecretSize:  20,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, code := range []string{"", "abc", "12345", "1234567"} {
		if verifyTOTP(key.Secret(), code) {
			t.Errorf("malformed code %q accepted", code)
		}
	}
}

func TestSetupMFASecretIsBase32(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "dave", "secret", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	setup, err := svc.SetupMFA(ctx, user.ID)
	if err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}

	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(setup.Secret)
	if err != nil {
		t.Fatalf("secret is not base32: %v", err)
	}
	if len(raw) != 20 {
		t.Errorf("secret decodes to %d bytes, want 20", len(raw))
	}

	if !strings.HasPrefix(setup.URI, "otpauth://totp/") {
		t.Errorf("provisioning URI = %q", setup.URI)
	}
	if !strings.Contains(setup.URI, totpIssuer) {
		t.Errorf("provisioning URI missing issuer: %q", setup.URI)
	}

	// The generated secret round-trips through code generation and the
	// verifier.
	waitClearOfStepBoundary(t)
	code := generateCodeAt(t, setup.Secret, time.Now())
	if !verifyTOTP(setup.Secret, code) {
		t.Error("code from freshly provisioned secret rejected")
	}
}
