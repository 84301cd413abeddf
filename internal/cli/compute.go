package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tw-inst-tracker/internal/app"
)

var (
	computeFrom      string
	computeTo        string
	computeDryRun    bool
	computeWorkers   int
	computeFlows     string
	computeSnapshots string
	computeAnchors   string
	computeOut       string
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Recompute estimates for a date range",
	Long: `Recompute estimates for a date range.

Without --flows/--snapshots the inputs are read from the database and the
results are stored unless --dry-run is set. With both files given the
computation runs offline and writes CSV to --out (stdout by default).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseDateFlag("from", computeFrom)
		if err != nil {
			return err
		}
		to, err := parseDateFlag("to", computeTo)
		if err != nil {
			return err
		}
		if computeWorkers < 0 {
			return fmt.Errorf("--workers cannot be negative")
		}

		opts := app.ComputeOptions{
			From:          from,
			To:            to,
			DryRun:        computeDryRun,
			Workers:       computeWorkers,
			FlowsPath:     computeFlows,
			SnapshotsPath: computeSnapshots,
			AnchorsPath:   computeAnchors,
			OutPath:       computeOut,
		}
		if !opts.FileMode() && opts.To.IsZero() {
			opts.To = time.Now().UTC()
		}
		if !from.IsZero() && !opts.To.IsZero() && opts.To.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		return getApp().Compute(cmd.Context(), opts)
	},
}

func init() {
	computeCmd.Flags().StringVar(&computeFrom, "from", "", "First date to emit (inclusive); earlier rows are warm-up history")
	computeCmd.Flags().StringVar(&computeTo, "to", "", "Last date to emit (inclusive, defaults to today in database mode)")
	computeCmd.Flags().BoolVar(&computeDryRun, "dry-run", false, "Compute without writing to storage")
	computeCmd.Flags().IntVar(&computeWorkers, "workers", 0, "Concurrent securities (defaults to config)")
	computeCmd.Flags().StringVar(&computeFlows, "flows", "", "CSV of daily institutional net flows (file mode)")
	computeCmd.Flags().StringVar(&computeSnapshots, "snapshots", "", "CSV of foreign ownership snapshots (file mode)")
	computeCmd.Flags().StringVar(&computeAnchors, "anchors", "", "Extra CSV of baseline anchors")
	computeCmd.Flags().StringVar(&computeOut, "out", "", "Write estimates as CSV to this path (- for stdout)")
}

// computeWritesStdout reports whether the CSV result goes to stdout.
func computeWritesStdout() bool {
	if computeOut == "-" {
		return true
	}
	return computeOut == "" && (computeFlows != "" || computeSnapshots != "")
}
