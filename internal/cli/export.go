package cli

import (
	"github.com/spf13/cobra"

	"tw-inst-tracker/internal/app"
)

var (
	exportCode      string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportXLSXPath  string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one security's estimates as CSV, PNG chart and/or XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseDateFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseDateFlag("to", exportTo)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			Code:      exportCode,
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			XLSXPath:  exportXLSXPath,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCode, "code", "", "Security code, e.g. 2330")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start date (inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End date (inclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportXLSXPath, "xlsx", "", "Path to write XLSX workbook")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
	_ = exportCmd.MarkFlagRequired("code")
}
