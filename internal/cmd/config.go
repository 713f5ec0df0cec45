package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/parallelmc/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create parallelmc configuration",
	Long: `View or create parallelmc configuration.

Without arguments, displays the current configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/parallelmc/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		_, _ = fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		_, _ = fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := marshalConfig(cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

const configHeader = `# parallelmc configuration
#
# group.transport: auto, inproc, file or grpc. auto runs a single rank
#   in-process and larger groups over the shared run_dir.
# run.mode: split divides run.events across the ranks, replicate runs
#   run.events on every rank.
# seeds.master_seed: non-zero makes the seed table reproducible.
# Every key can be overridden with PARALLELMC_<SECTION>_<KEY>.

`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := marshalConfig(config.Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(configFile, append([]byte(configHeader), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		_, _ = fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		_, _ = fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	_, _ = fmt.Fprintln(out, "\nSearch paths:")
	_, _ = fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	_, _ = fmt.Fprintf(out, "  2. $HOME/.config/parallelmc/config.yaml\n")
	_, _ = fmt.Fprintf(out, "  3. ./config.yaml (current directory)\n")
	_, _ = fmt.Fprintln(out, "\nEnvironment variables: PARALLELMC_* (e.g., "+envKey("group.run_dir")+")")

	return nil
}

func marshalConfig(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
