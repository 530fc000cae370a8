package tilepack

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// MergeConfig holds the external configuration described in
// SPEC_FULL.md §6.
type MergeConfig struct {
	Shards     uint64
	Shard      uint64
	Inputs     []string
	OutputPath string
}

// MergePipeline orchestrates the full merge: opening inputs, indexing
// them, reconciling metadata, and dispatching the fast/slow path per
// coordinate. This is the Go rendition of original_source/src/
// tile-smush.cpp's main, minus argument/env parsing (moved to cmd/
// tile-smush).
type MergePipeline struct {
	cfg    MergeConfig
	log    *zap.Logger
	merger *TileMerger
}

// NewMergePipeline constructs a pipeline for the given configuration.
func NewMergePipeline(cfg MergeConfig, log *zap.Logger) *MergePipeline {
	return &MergePipeline{cfg: cfg, log: log, merger: NewTileMerger()}
}

// Run executes the full merge to completion.
func (p *MergePipeline) Run() error {
	if p.cfg.Shard >= p.cfg.Shards {
		return fmt.Errorf("shard %d must be less than shards %d", p.cfg.Shard, p.cfg.Shards)
	}
	if len(p.cfg.Inputs) == 0 {
		return fmt.Errorf("no input files given")
	}

	inputs, err := p.openInputs()
	if err != nil {
		return err
	}
	defer func() {
		for _, in := range inputs {
			in.Reader.Close()
		}
	}()

	if p.cfg.Shards == 1 {
		// When running on the whole dataset, start from a clean output;
		// otherwise an external coordinator is responsible for this.
		os.Remove(p.cfg.OutputPath)
	}

	writer := NewMBTilesWriter(p.cfg.OutputPath, p.log)
	if err := writer.OpenForWriting(); err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	if p.cfg.Shard == 0 {
		if err := p.writeMetadata(inputs, writer); err != nil {
			return err
		}
	}

	if err := p.mergeTiles(inputs, writer); err != nil {
		return err
	}

	return writer.CloseForWriting()
}

func (p *MergePipeline) openInputs() ([]*InputIndex, error) {
	inputs := make([]*InputIndex, 0, len(p.cfg.Inputs))
	for i, filename := range p.cfg.Inputs {
		reader, err := NewMbtilesReader(filename)
		if err != nil {
			return nil, fmt.Errorf("open input %s: %w", filename, err)
		}

		in, err := NewInputIndex(i, filename, reader)
		if err != nil {
			reader.Close()
			return nil, err
		}
		inputs = append(inputs, in)
		p.log.Debug("indexed input", zap.String("file", filename))
	}
	return inputs, nil
}

func (p *MergePipeline) writeMetadata(inputs []*InputIndex, writer *MBTilesWriter) error {
	rec := NewMetadataReconciler()
	for _, in := range inputs {
		entries, err := in.Reader.Metadata()
		if err != nil {
			return fmt.Errorf("read metadata from %s: %w", in.Filename, err)
		}
		bounds, err := in.Reader.Bounds()
		if err != nil {
			return fmt.Errorf("read bounds from %s: %w", in.Filename, err)
		}
		if err := rec.Add(in.Filename, entries, bounds); err != nil {
			return err
		}
	}

	merged := rec.Reconcile()
	for name, value := range merged.Entries {
		if err := writer.WriteMetadata(name, value); err != nil {
			return err
		}
	}
	p.log.Info("reconciled metadata",
		zap.Int("minzoom", merged.MinZoom),
		zap.Int("maxzoom", merged.MaxZoom))
	return nil
}

func (p *MergePipeline) mergeTiles(inputs []*InputIndex, writer *MBTilesWriter) error {
	matching := make([]*InputIndex, 0, len(inputs))

	for z := uint32(0); z < MaxZoom; z++ {
		bbox := NewEmptyBbox()
		for _, in := range inputs {
			bbox = Union(bbox, in.Bbox(z))
		}
		if bbox.Empty() {
			continue
		}

		bar := progressbar.Default(int64(bbox.MaxX-bbox.MinX+1) * int64(bbox.MaxY-bbox.MinY+1))
		bar.Describe(fmt.Sprintf("zoom %d", z))

		for x := bbox.MinX; x <= bbox.MaxX; x++ {
			for y := bbox.MinY; y <= bbox.MaxY; y++ {
				bar.Add(1)

				if shardBucket(z, x, y, p.cfg.Shards) != p.cfg.Shard {
					continue
				}

				matching = matching[:0]
				for _, in := range inputs {
					if in.Contains(z, x, y) {
						matching = append(matching, in)
					}
				}

				if len(matching) == 0 {
					continue
				}

				if len(matching) == 1 {
					if err := p.copyTile(matching[0], z, x, y, writer); err != nil {
						return err
					}
					continue
				}

				if err := p.mergeTile(matching, z, x, y, writer); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// copyTile is the fast path: exactly one input contributes, so the raw
// blob is copied verbatim.
func (p *MergePipeline) copyTile(in *InputIndex, z, x, y uint32, writer *MBTilesWriter) error {
	data, err := in.Reader.ReadTile(z, x, y)
	if err != nil {
		return fmt.Errorf("read tile z=%d x=%d y=%d from %s: %w", z, x, y, in.Filename, err)
	}
	if data == nil {
		return nil
	}
	return writer.SaveTile(z, x, y, data, ModeInsert)
}

// mergeTile is the slow path: multiple inputs contribute disjoint MVT
// layers that must be concatenated.
func (p *MergePipeline) mergeTile(matching []*InputIndex, z, x, y uint32, writer *MBTilesWriter) error {
	compressed := make([][]byte, 0, len(matching))
	sources := make([]string, 0, len(matching))
	for _, in := range matching {
		data, err := in.Reader.ReadTile(z, x, y)
		if err != nil {
			return fmt.Errorf("read tile z=%d x=%d y=%d from %s: %w", z, x, y, in.Filename, err)
		}
		if data != nil {
			compressed = append(compressed, data)
			sources = append(sources, in.Filename)
		}
	}
	if len(compressed) == 0 {
		return nil
	}

	merged, err := p.merger.Merge(compressed)
	for _, skipped := range p.merger.Skipped {
		p.log.Warn("skipping undecodable tile payload",
			zap.String("file", sources[skipped.Index]),
			zap.Uint32("z", z), zap.Uint32("x", x), zap.Uint32("y", y),
			zap.Error(skipped.Err))
	}
	if err != nil {
		p.log.Warn("skipping tile with no mergeable layers",
			zap.Uint32("z", z), zap.Uint32("x", x), zap.Uint32("y", y), zap.Error(err))
		return nil
	}

	return writer.SaveTile(z, x, y, merged, ModeInsert)
}
