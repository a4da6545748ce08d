package cmd

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/masqhq/masq/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Write an initial config from environment variables",
		Long: "Non-interactive setup for container deployments: builds a config " +
			"from defaults plus any MASQ_* / LLM_* environment variables, " +
			"validates it, writes it to the config path, and prepares the " +
			"database. Secrets stay in the environment and never reach the file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

func runOnboard(cfgPath string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("config already exists at %s; remove it to re-onboard", cfgPath)
	}

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("environment incomplete: %w", err)
	}

	fmt.Printf("  Endpoint: %s (model: %s)\n", cfg.LLM.Endpoint, cfg.LLM.Model)
	fmt.Printf("  Prefix:   %s\n", cfg.Commands.Prefix)
	fmt.Printf("  Data dir: %s\n", config.ExpandHome(cfg.DataDir))

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("  Config saved to %s\n", cfgPath)

	// Prepare the database up front so first serve does not pay for it.
	fmt.Print("  Running migrations...")
	m, err := newMigrator()
	if err != nil {
		fmt.Printf(" error: %v\n", err)
		fmt.Println("  Continuing without migration (run manually: masq migrate up)")
		return nil
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		fmt.Printf(" error: %v\n", err)
		fmt.Println("  Continuing without migration (run manually: masq migrate up)")
		return nil
	}
	v, _, _ := m.Version()
	fmt.Printf(" OK (version: %d)\n", v)

	fmt.Println("Onboard complete. Start the proxy with: masq serve")
	return nil
}
