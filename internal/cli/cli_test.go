package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aether-os/aether/internal/config"
)

func newTestPrompter(input string) (*prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &prompter{in: strings.NewReader(input), out: out}, out
}

func TestAskWithInput(t *testing.T) {
	p, _ := newTestPrompter("hello\n")
	if got := p.ask("Name", "default"); got != "hello" {
		t.Errorf("ask() = %q, want %q", got, "hello")
	}
}

func TestAskEmptyUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.ask("Name", "fallback"); got != "fallback" {
		t.Errorf("ask() = %q, want %q", got, "fallback")
	}
}

func TestAskPasswordFallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("secret123\n")
	if got := p.askPassword("Password"); got != "secret123" {
		t.Errorf("askPassword() = %q, want %q", got, "secret123")
	}
}

func TestChooseSelection(t *testing.T) {
	p, _ := newTestPrompter("2\n")
	if got := p.choose("Pick one", []string{"alpha", "beta", "gamma"}, 0); got != "beta" {
		t.Errorf("choose() = %q, want %q", got, "beta")
	}
}

func TestChooseDefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.choose("Pick one", []string{"alpha", "beta", "gamma"}, 1); got != "beta" {
		t.Errorf("choose() = %q, want %q", got, "beta")
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tc := range cases {
		p, _ := newTestPrompter(tc.input)
		if got := p.confirm("Continue?", tc.defaultYes); got != tc.want {
			t.Errorf("confirm(%q, %v) = %v, want %v", tc.input, tc.defaultYes, got, tc.want)
		}
	}
}

func TestWizardWritesLoadableConfig(t *testing.T) {
	// Answers: addr, backend choice, db file, accept admin, username,
	// password, decline slack.
	p, _ := newTestPrompter(":9090\n1\ntest.db\ny\nroot\nhunter22\nn\n")
	output := filepath.Join(t.TempDir(), "aether.json")

	if err := runWizard(p, output); err != nil {
		t.Fatalf("runWizard: %v", err)
	}

	cfg, err := config.Load(output)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "test.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Auth.TokenSecret) < 32 {
		t.Errorf("token secret too short: %d chars", len(cfg.Auth.TokenSecret))
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "root" {
		t.Errorf("initial admin = %+v", cfg.Auth.InitialAdmin)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	output := filepath.Join(t.TempDir(), "aether.json")
	if err := writeDefaultConfig(output); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	cfg, err := config.Load(output)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Storage.Driver != "sqlite" {
		t.Errorf("defaults = %+v", cfg)
	}
}
