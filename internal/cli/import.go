package cli

import (
	"github.com/spf13/cobra"

	"tw-inst-tracker/internal/app"
)

var (
	importFlows     string
	importSnapshots string
	importAnchors   string
	importSource    string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load flow, holding and baseline CSV files into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ImportOptions{
			FlowsPath:     importFlows,
			SnapshotsPath: importSnapshots,
			AnchorsPath:   importAnchors,
			Source:        importSource,
		}

		return getApp().Import(cmd.Context(), opts)
	},
}

func init() {
	importCmd.Flags().StringVar(&importFlows, "flows", "", "CSV of daily institutional net flows")
	importCmd.Flags().StringVar(&importSnapshots, "snapshots", "", "CSV of foreign ownership snapshots")
	importCmd.Flags().StringVar(&importAnchors, "anchors", "", "CSV of baseline anchors")
	importCmd.Flags().StringVar(&importSource, "source", "manual", "Source name for snapshot rows without a source column")
}
