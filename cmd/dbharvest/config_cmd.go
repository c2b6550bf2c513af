package main

import (
	"fmt"
	"log/slog"

	"github.com/BadgerOps/dbharvest/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect dbharvest configuration. Subcommands show the effective settings
or check them for errors without contacting any host.`,
		Example: `  dbharvest config show
  dbharvest config validate --config ./dbharvest.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format, with defaults
filled in. Passwords are masked.`,
		Example: `  dbharvest config show
  dbharvest config show --config /etc/dbharvest/dbharvest.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(redactSecrets(globalCfg))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

// redactSecrets returns a copy of cfg with every password masked
func redactSecrets(cfg *config.Config) *config.Config {
	out := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}

	out.LocalDB.Password = mask(cfg.LocalDB.Password)
	out.SSH.Passphrase = mask(cfg.SSH.Passphrase)
	out.Targets = make([]config.Target, len(cfg.Targets))
	for i, t := range cfg.Targets {
		t.SSHPassword = mask(t.SSHPassword)
		t.DBPassword = mask(t.DBPassword)
		out.Targets[i] = t
	}
	return &out
}

func newConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Long: `Check the configuration for missing or invalid settings. Every problem
is reported, not just the first.`,
		Example: `  dbharvest config validate`,
		RunE:    configValidateRun,
	}

	return cmd
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	fmt.Printf("Configuration is valid: %d target(s), %d database(s)\n",
		len(globalCfg.Targets), len(globalCfg.DBNames()))
	return nil
}
