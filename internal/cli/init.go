package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aether-os/aether/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")
			if output == "" {
				output = "aether.json"
			}
			if defaults {
				return writeDefaultConfig(output)
			}
			return runWizard(defaultPrompter(), output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./aether.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively with secure defaults")
	return cmd
}

func writeDefaultConfig(output string) error {
	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	cfg := &config.Config{}
	cfg.Server.Addr = ":8080"
	cfg.Auth.TokenSecret = secret
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "aether.db"
	cfg.ApplyDefaults()
	return writeConfig(cfg, output)
}

func runWizard(p *prompter, output string) error {
	fmt.Fprintln(p.out, "AetherOS kernel setup")
	fmt.Fprintln(p.out)

	cfg := &config.Config{}
	cfg.Server.Addr = p.ask("Listen address", ":8080")

	driver := p.choose("Storage backend", []string{"sqlite", "postgres"}, 0)
	cfg.Storage.Driver = driver
	if driver == "postgres" {
		cfg.Storage.DSN = p.ask("PostgreSQL DSN", "postgres://aether@localhost/aether")
	} else {
		cfg.Storage.DSN = p.ask("SQLite database file", "aether.db")
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	cfg.Auth.TokenSecret = secret
	fmt.Fprintln(p.out, "Generated a random token signing secret.")

	if p.confirm("Create an initial admin user?", true) {
		username := p.ask("Admin username", "admin")
		password := p.askPassword("Admin password")
		if password != "" {
			cfg.Auth.InitialAdmin = &config.InitialAdmin{Username: username, Password: password}
		}
	}

	if p.confirm("Verify inbound Slack webhooks?", false) {
		cfg.Slack.SigningSecret = p.askPassword("Slack signing secret")
	}

	cfg.ApplyDefaults()
	if err := writeConfig(cfg, output); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "\nWrote %s. Start the kernel with: aetherd run %s\n", output, output)
	return nil
}

func writeConfig(cfg *config.Config, output string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	// The file carries the token signing secret.
	if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
