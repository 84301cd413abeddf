package cli

import (
	"github.com/spf13/cobra"

	"tw-inst-tracker/internal/app"
)

var (
	rankWindow    int
	rankDirection string
	rankMarket    string
	rankLimit     int
	rankDate      string
)

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "List top movers of the combined institutional ratio",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDateFlag("date", rankDate)
		if err != nil {
			return err
		}

		opts := app.RankOptions{
			Window:    rankWindow,
			Direction: rankDirection,
			Market:    rankMarket,
			Limit:     rankLimit,
			Date:      date,
		}

		return getApp().Rank(cmd.Context(), opts)
	},
}

func init() {
	rankCmd.Flags().IntVar(&rankWindow, "window", 0, "Change window in trading days (defaults to the shortest configured)")
	rankCmd.Flags().StringVar(&rankDirection, "direction", "up", "up or down")
	rankCmd.Flags().StringVar(&rankMarket, "market", "", "TWSE or TPEX (default: both)")
	rankCmd.Flags().IntVar(&rankLimit, "limit", 50, "Number of securities (max 500)")
	rankCmd.Flags().StringVar(&rankDate, "date", "", "Trade date (defaults to the latest estimated date)")
}
