package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"tw-inst-tracker/internal/model"
	"tw-inst-tracker/internal/ranking"
)

// Rank prints the top movers of the combined institutional ratio.
func (a *App) Rank(ctx context.Context, opts RankOptions) error {
	store, closeStore, err := a.requireStore(ctx, "查询排行")
	if err != nil {
		return err
	}
	defer closeStore()

	ranker := ranking.New(store, a.windows())
	movers, q, err := ranker.Top(ctx, ranking.Query{
		Window:    opts.Window,
		Direction: ranking.Direction(opts.Direction),
		Market:    model.Market(opts.Market),
		Limit:     opts.Limit,
		Date:      opts.Date,
	})
	if err != nil {
		return err
	}

	a.Logger.Debug().
		Int("window", q.Window).
		Str("direction", string(q.Direction)).
		Time("date", q.Date).
		Int("rows", len(movers)).
		Msg("ranking computed")

	return renderMovers(os.Stdout, q, movers)
}

func renderMovers(w io.Writer, q ranking.Query, movers []model.Mover) error {
	market := string(q.Market)
	if market == "" {
		market = "ALL"
	}
	fmt.Fprintf(w, "%s  window=%dd  direction=%s  market=%s\n", q.Date.Format(time.DateOnly), q.Window, q.Direction, market)
	if len(movers) == 0 {
		fmt.Fprintln(w, "no movers found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tCode\tName\tMarket\tChange\tThree%\tForeign%\tTrust%\tDealer%")
	for _, m := range movers {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Rank,
			m.Code,
			m.Name,
			m.Market,
			formatDecimal(m.Change, 4),
			formatDecimal(m.ThreeInstRatio, 4),
			formatDecimal(m.ForeignRatio, 2),
			formatDecimal(m.TrustRatio, 4),
			formatDecimal(m.DealerRatio, 4),
		)
	}
	return writer.Flush()
}
