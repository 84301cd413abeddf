package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tw-inst-tracker/internal/app"
)

var (
	showCode  string
	showFrom  string
	showTo    string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent estimates of one security",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		from, err := parseDateFlag("from", showFrom)
		if err != nil {
			return err
		}
		to, err := parseDateFlag("to", showTo)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Code:  showCode,
			From:  from,
			To:    to,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showCode, "code", "", "Security code, e.g. 2330")
	showCmd.Flags().StringVar(&showFrom, "from", "", "Earliest date (inclusive)")
	showCmd.Flags().StringVar(&showTo, "to", "", "Latest date (inclusive)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of trading days to display")
	_ = showCmd.MarkFlagRequired("code")
}
