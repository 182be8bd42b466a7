package auth

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kerrors"
	"github.com/aether-os/aether/internal/store"
)

func newTestService(t *testing.T) (*Service, *eventbus.Bus) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc := NewService(s, bus, []byte("test-secret-test-secret-test-secret!"), time.Hour)
	return svc, bus
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.Contains(hash, ":") {
		t.Fatalf("hash missing salt separator: %q", hash)
	}
	if !VerifyPassword("hunter2", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("hunter3", hash) {
		t.Error("wrong password accepted")
	}
	if VerifyPassword("hunter2", "not-a-valid-hash") {
		t.Error("malformed stored hash accepted")
	}

	// Same password hashes differently each time (random salt).
	hash2, _ := HashPassword("hunter2")
	if hash == hash2 {
		t.Error("two hashes of the same password are identical")
	}
}

func TestHashFormatFixedLengths(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	saltHex, keyHex, ok := strings.Cut(hash, ":")
	if !ok {
		t.Fatalf("hash missing salt separator: %q", hash)
	}
	// 16-byte salt, 64-byte derived key, hex-encoded.
	if len(saltHex) != 32 {
		t.Errorf("salt hex length = %d, want 32", len(saltHex))
	}
	if len(keyHex) != 128 {
		t.Errorf("derived key hex length = %d, want 128", len(keyHex))
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		wantCode kerrors.Code
	}{
		{"short username", "a", "password", kerrors.CodeInvalidInput},
		{"bad characters", "al ice", "password", kerrors.CodeInvalidInput},
		{"short password", "alice", "abc", kerrors.CodeInvalidInput},
		{"ok", "alice", "abcd", ""},
		{"duplicate", "alice", "abcd", kerrors.CodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.username, tt.password, "")
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Register: %v", err)
				}
				return
			}
			if err == nil || kerrors.CodeOf(err) != tt.wantCode {
				t.Fatalf("Register err = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestAuthenticateAndValidateToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "secret", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Authenticate(ctx, "alice", "wrong"); !kerrors.Is(err, kerrors.CodeForbidden) {
		t.Fatalf("wrong password: err = %v, want FORBIDDEN", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "secret"); !kerrors.Is(err, kerrors.CodeForbidden) {
		t.Fatalf("unknown user: err = %v, want FORBIDDEN", err)
	}

	res, err := svc.Authenticate(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.MFARequired {
		t.Fatal("MFA required for account without MFA")
	}

	id, err := svc.ValidateToken(ctx, res.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.UserID != user.ID || id.Username != "alice" || id.Role != "user" {
		t.Errorf("unexpected identity: %+v", id)
	}

	if _, err := svc.ValidateToken(ctx, res.Token+"x"); err == nil {
		t.Error("tampered token accepted")
	}

	// Deleted users lose access even with a live token.
	if err := svc.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, res.Token); err == nil {
		t.Error("token for deleted user accepted")
	}
}

func TestMFALoginFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "bob", "secret", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	setup, err := svc.SetupMFA(ctx, user.ID)
	if err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}
	if !strings.HasPrefix(setup.URI, "otpauth://") {
		t.Errorf("provisioning URI = %q", setup.URI)
	}

	// Enabling requires a valid current code.
	if err := svc.EnableMFA(ctx, user.ID, "000000"); !kerrors.Is(err, kerrors.CodeForbidden) {
		t.Fatalf("bad code on enable: err = %v, want FORBIDDEN", err)
	}
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if err := svc.EnableMFA(ctx, user.ID, code); err != nil {
		t.Fatalf("EnableMFA: %v", err)
	}

	// Password alone now yields only a step-up token.
	res, err := svc.Authenticate(ctx, "bob", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !res.MFARequired {
		t.Fatal("expected MFA step-up")
	}
	if _, err := svc.ValidateToken(ctx, res.Token); err == nil {
		t.Error("step-up token accepted as session token")
	}

	// Complete login with the TOTP code.
	code, _ = totp.GenerateCode(setup.Secret, time.Now())
	full, err := svc.AuthenticateMFA(ctx, res.Token, code)
	if err != nil {
		t.Fatalf("AuthenticateMFA: %v", err)
	}
	if full.MFARequired {
		t.Fatal("second factor did not complete login")
	}
	if _, err := svc.ValidateToken(ctx, full.Token); err != nil {
		t.Errorf("session token invalid after MFA login: %v", err)
	}

	// A session token is not a step-up token.
	if _, err := svc.AuthenticateMFA(ctx, full.Token, code); !kerrors.Is(err, kerrors.CodeForbidden) {
		t.Errorf("session token accepted for MFA completion: %v", err)
	}

	// Disable requires a valid code too.
	if err := svc.DisableMFA(ctx, user.ID, "000000"); !kerrors.Is(err, kerrors.CodeForbidden) {
		t.Fatalf("bad code on disable: err = %v, want FORBIDDEN", err)
	}
	code, _ = totp.GenerateCode(setup.Secret, time.Now())
	if err := svc.DisableMFA(ctx, user.ID, code); err != nil {
		t.Fatalf("DisableMFA: %v", err)
	}
	res, err = svc.Authenticate(ctx, "bob", "secret")
	if err != nil || res.MFARequired {
		t.Errorf("after disable: res = %+v, err = %v", res, err)
	}
}

func TestBootstrapOnlyOnEmptyStore(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	admin, err := svc.Bootstrap(ctx, "", "")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if admin == nil || admin.Username != "admin" || admin.Role != "admin" {
		t.Fatalf("unexpected bootstrap user: %+v", admin)
	}

	again, err := svc.Bootstrap(ctx, "root", "toor")
	if err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if again != nil {
		t.Errorf("bootstrap ran on non-empty store: %+v", again)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, _ := svc.Register(ctx, "carol", "oldpass", "user")

	if err := svc.ChangePassword(ctx, user.ID, "wrong", "newpass"); !kerrors.Is(err, kerrors.CodeForbidden) {
		t.Fatalf("wrong current password: err = %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "oldpass", "newpass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "carol", "oldpass"); err == nil {
		t.Error("old password still works")
	}
	if _, err := svc.Authenticate(ctx, "carol", "newpass"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}
