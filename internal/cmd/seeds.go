package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/parallelmc/internal/seed"
)

var seedsCmd = &cobra.Command{
	Use:   "seeds",
	Short: "Print the seed table a group would use",
	Long: `Print the seed table rank 0 would scatter to a group, one rank per line.

With --master-seed the table is the one 'parallelmc run' produces for the
same master seed and group size.`,
	Args: cobra.NoArgs,
	RunE: runSeeds,
}

var (
	seedsSize       int   // Group size
	seedsMaster     int64 // Master seed, 0 for a fresh table
	seedsMaxRetries int   // Redraw cap
)

func init() {
	seedsCmd.Flags().IntVarP(&seedsSize, "np", "n", 4, "group size")
	seedsCmd.Flags().Int64Var(&seedsMaster, "master-seed", 0, "master seed (0 draws a fresh table)")
	seedsCmd.Flags().IntVar(&seedsMaxRetries, "max-retries", seed.DefaultMaxRetries, "redraw passes allowed to remove duplicates")
	rootCmd.AddCommand(seedsCmd)
}

func runSeeds(cmd *cobra.Command, args []string) error {
	alloc := seed.NewAllocator(seed.NewSource(seedsMaster), seed.WithMaxRetries(seedsMaxRetries))
	table, err := alloc.Generate(seedsSize)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for rank, s := range table {
		_, _ = fmt.Fprintf(out, "%d\t%d\n", rank, s)
	}
	return nil
}
