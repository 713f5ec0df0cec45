package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/parallelmc/internal/config"
	"github.com/Iron-Ham/parallelmc/internal/errors"
	"github.com/Iron-Ham/parallelmc/internal/launcher"
)

var rootCmd = &cobra.Command{
	Use:   "parallelmc",
	Short: "Run Monte-Carlo simulations across a group of cooperating processes",
	Long: `parallelmc runs one simulation as a group of processes. Rank 0 draws a
distinct seed for every rank, the requested histories are split across the
group, and the per-rank tallies are reduced back to rank 0 at the end.

Start a whole group on this machine with 'parallelmc launch', or start each
rank yourself with 'parallelmc run' under mpirun or any launcher that sets
PARALLELMC_RANK and PARALLELMC_SIZE.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// Exit statuses of the parallelmc binary.
const (
	ExitFailure      = 1 // any other error
	ExitInvalidInput = 2 // configuration or arguments rejected
	ExitGroupAborted = 3 // a fatal condition stopped the whole group
)

// ExitCode maps an error returned by Execute to a process exit status. A
// failed rank's own status is passed through by launch.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var rankErr *launcher.RankError
	if errors.As(err, &rankErr) && rankErr.ExitCode() > 0 {
		return rankErr.ExitCode()
	}
	if errors.IsFatal(err) {
		return ExitGroupAborted
	}
	var configErrs config.ValidationErrors
	if errors.Is(err, errors.ErrInvalidInput) || errors.As(err, &configErrs) {
		return ExitInvalidInput
	}
	return ExitFailure
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/parallelmc/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/parallelmc")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PARALLELMC")
	// Replace dots with underscores for nested keys in env vars
	// e.g., PARALLELMC_GROUP_RUN_DIR for group.run_dir
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// envKey returns the environment variable viper reads for a config key.
func envKey(key string) string {
	return "PARALLELMC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
