package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"

	"tw-inst-tracker/internal/engine"
	"tw-inst-tracker/internal/model"
	"tw-inst-tracker/internal/service"
	"tw-inst-tracker/internal/source"
)

// Compute recomputes estimates for a date range, from the database or from CSV files.
func (a *App) Compute(ctx context.Context, opts ComputeOptions) error {
	if opts.Workers > 0 {
		a.Config.Engine.Workers = opts.Workers
	}
	if opts.FileMode() {
		return a.computeFiles(ctx, opts)
	}

	store, closeStore, err := a.requireStore(ctx, "重算估算")
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := a.newService(store, nil, nil)
	if err != nil {
		return err
	}

	rep, err := svc.Compute(ctx, opts.From, opts.To, opts.DryRun)
	if err != nil {
		return err
	}

	if opts.OutPath != "" {
		if err := a.writeEstimates(opts.OutPath, rep.Result.Records); err != nil {
			return err
		}
	}
	printComputeSummary(os.Stderr, rep)
	return nil
}

func (a *App) computeFiles(ctx context.Context, opts ComputeOptions) error {
	if opts.FlowsPath == "" || opts.SnapshotsPath == "" {
		return fmt.Errorf("file mode needs both --flows and --snapshots")
	}

	in, err := a.readFileInput(opts)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Windows:  a.Config.Engine.Windows,
		EmitFrom: opts.From,
		EmitTo:   opts.To,
		Workers:  a.Config.Engine.Workers,
	}, a.Logger)
	if err != nil {
		return err
	}

	res, err := eng.Run(ctx, in)
	if err != nil {
		return err
	}

	out := opts.OutPath
	if out == "" {
		out = "-"
	}
	if err := a.writeEstimates(out, res.Records); err != nil {
		return err
	}

	printComputeSummary(os.Stderr, &service.Report{Result: res, DryRun: true})
	return nil
}

func (a *App) readFileInput(opts ComputeOptions) (engine.Input, error) {
	var in engine.Input

	flows, err := readCSVFile(opts.FlowsPath, source.ReadFlows)
	if err != nil {
		return in, err
	}
	sets, err := readCSVFile(opts.SnapshotsPath, func(r io.Reader) ([]model.SnapshotSet, error) {
		return source.ReadSnapshots(r, "file", a.Config.Engine.SourcePriority)
	})
	if err != nil {
		return in, err
	}

	anchors, err := a.fileAnchors()
	if err != nil {
		return in, err
	}
	if opts.AnchorsPath != "" {
		extra, err := readCSVFile(opts.AnchorsPath, source.ReadAnchors)
		if err != nil {
			return in, err
		}
		anchors = append(anchors, extra...)
	}

	in.Flows = flows
	in.Snapshots = sets
	in.Anchors = anchors
	in.Securities = securitiesFromSnapshots(sets)

	a.Logger.Debug().
		Int("flows", len(flows)).
		Int("snapshot_sets", len(sets)).
		Int("anchors", len(anchors)).
		Msg("file inputs loaded")
	return in, nil
}

// securitiesFromSnapshots takes each code's market from its snapshot rows.
func securitiesFromSnapshots(sets []model.SnapshotSet) []model.Security {
	markets := make(map[string]model.Market)
	for _, set := range sets {
		for _, row := range set.Rows {
			if row.Market != "" {
				markets[row.Code] = row.Market
			} else if _, ok := markets[row.Code]; !ok {
				markets[row.Code] = ""
			}
		}
	}
	out := make([]model.Security, 0, len(markets))
	for code, market := range markets {
		out = append(out, model.Security{Code: code, Market: market})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func readCSVFile[T any](path string, read func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	rows, err := read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// writeEstimates writes CSV to path, or to stdout when path is "-".
func (a *App) writeEstimates(path string, recs []model.EstimatedOwnershipRecord) error {
	windows := a.windows()
	if path == "-" {
		return source.WriteEstimates(os.Stdout, recs, windows)
	}

	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := source.WriteEstimates(file, recs, windows); err != nil {
		return err
	}
	a.Logger.Info().Str("path", path).Int("rows", len(recs)).Msg("estimates written")
	return nil
}

func printComputeSummary(w io.Writer, rep *service.Report) {
	if rep == nil || rep.Result == nil {
		return
	}
	stats := rep.Result.Stats
	fmt.Fprintf(w, "securities=%d rows=%d withheld=%d anchored=%d", stats.Securities, stats.Emitted, stats.Withheld, stats.Anchored)
	if rep.RunID != uuid.Nil {
		fmt.Fprintf(w, " run=%s", rep.RunID)
	}
	if rep.DryRun {
		fmt.Fprint(w, " (not persisted)")
	}
	fmt.Fprintln(w)

	counts := rep.Result.IssueCounts()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s: %d\n", k, counts[k])
	}
}

// windows returns the configured change windows in engine order.
func (a *App) windows() []int {
	windows := append([]int(nil), a.Config.Engine.Windows...)
	if len(windows) == 0 {
		windows = append(windows, engine.DefaultWindows...)
	}
	sort.Ints(windows)
	return windows
}
