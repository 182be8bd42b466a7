package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aether.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"server":{"addr":":8080"},"auth":{},"storage":{}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Auth.TokenExpiry.Duration != 24*time.Hour {
		t.Errorf("token expiry = %v, want 24h", cfg.Auth.TokenExpiry.Duration)
	}
	if cfg.Process.MaxConcurrent != 16 || cfg.Process.AdmissionQueueMax != 128 {
		t.Errorf("process limits = %+v", cfg.Process)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("max body bytes = %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Storage.AuditRetention.Duration != 30*24*time.Hour {
		t.Errorf("audit retention = %v", cfg.Storage.AuditRetention.Duration)
	}
}

func TestLoadRejectsMissingAddr(t *testing.T) {
	path := writeTempConfig(t, `{"server":{},"auth":{},"storage":{}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("config without server.addr loaded")
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	path := writeTempConfig(t, `{"server":{"addr":":8080"},"auth":{"token_secret":"short"},"storage":{}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("short token secret accepted")
	}
}

func TestLoadRejectsWeakSecret(t *testing.T) {
	path := writeTempConfig(t, `{"server":{"addr":":8080"},"auth":{"token_secret":"local-dev-secret-for-testing-only-32chars!"},"storage":{}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("known weak secret accepted")
	}
}

func TestDurationFormats(t *testing.T) {
	path := writeTempConfig(t, `{"server":{"addr":":8080"},"auth":{"token_expiry":"45m"},"storage":{"audit_retention":3600}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.TokenExpiry.Duration != 45*time.Minute {
		t.Errorf("string duration = %v", cfg.Auth.TokenExpiry.Duration)
	}
	if cfg.Storage.AuditRetention.Duration != time.Hour {
		t.Errorf("numeric duration = %v", cfg.Storage.AuditRetention.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("secret length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
