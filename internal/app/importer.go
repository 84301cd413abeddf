package app

import (
	"context"
	"errors"
	"io"
	"sort"

	"tw-inst-tracker/internal/model"
	"tw-inst-tracker/internal/source"
	"tw-inst-tracker/internal/storage"
)

// Import loads flow, holding and baseline CSV files into the database.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	if opts.FlowsPath == "" && opts.SnapshotsPath == "" && opts.AnchorsPath == "" {
		return errors.New("at least one of --flows, --snapshots or --anchors must be provided")
	}

	var (
		flows   []model.FlowRecord
		sets    []model.SnapshotSet
		anchors []model.BaselineAnchor
		err     error
	)
	// 先完整解析所有文件, 任一文件有错则不写库
	if opts.FlowsPath != "" {
		if flows, err = readCSVFile(opts.FlowsPath, source.ReadFlows); err != nil {
			return err
		}
	}
	if opts.SnapshotsPath != "" {
		src := opts.Source
		if src == "" {
			src = "manual"
		}
		sets, err = readCSVFile(opts.SnapshotsPath, func(r io.Reader) ([]model.SnapshotSet, error) {
			return source.ReadSnapshots(r, src, a.Config.Engine.SourcePriority)
		})
		if err != nil {
			return err
		}
	}
	if opts.AnchorsPath != "" {
		if anchors, err = readCSVFile(opts.AnchorsPath, source.ReadAnchors); err != nil {
			return err
		}
	}

	store, closeStore, err := a.requireStore(ctx, "导入")
	if err != nil {
		return err
	}
	defer closeStore()

	return a.importRows(ctx, store, flows, sets, anchors)
}

func (a *App) importRows(ctx context.Context, w storage.InputWriter, flows []model.FlowRecord, sets []model.SnapshotSet, anchors []model.BaselineAnchor) error {
	secs := importedSecurities(flows, sets, anchors)
	n, err := w.UpsertSecurities(ctx, secs)
	if err != nil {
		return err
	}
	log := a.Logger.Info().Int("securities", n)

	if len(flows) > 0 {
		if n, err = w.UpsertFlows(ctx, flows); err != nil {
			return err
		}
		log = log.Int("flows", n)
	}
	if len(sets) > 0 {
		if n, err = w.UpsertSnapshots(ctx, sets); err != nil {
			return err
		}
		log = log.Int("holdings", n)
	}
	if len(anchors) > 0 {
		if n, err = w.UpsertAnchors(ctx, anchors); err != nil {
			return err
		}
		log = log.Int("anchors", n)
	}

	log.Msg("import finished")
	return nil
}

// importedSecurities collects every referenced code, taking the market from holdings rows.
func importedSecurities(flows []model.FlowRecord, sets []model.SnapshotSet, anchors []model.BaselineAnchor) []model.Security {
	byCode := make(map[string]model.Security)
	for _, sec := range securitiesFromSnapshots(sets) {
		byCode[sec.Code] = sec
	}
	for _, f := range flows {
		if _, ok := byCode[f.Code]; !ok {
			byCode[f.Code] = model.Security{Code: f.Code}
		}
	}
	for _, an := range anchors {
		if _, ok := byCode[an.Code]; !ok {
			byCode[an.Code] = model.Security{Code: an.Code}
		}
	}

	out := make([]model.Security, 0, len(byCode))
	for _, sec := range byCode {
		out = append(out, sec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
