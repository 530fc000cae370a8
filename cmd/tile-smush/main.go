// Command tile-smush merges N MBTiles archives into one, concatenating
// MVT layers where inputs overlap. See SHARDS/SHARD below for splitting
// the work across cooperating processes against the same output file.
package main

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/hikeratlas/tile-smush/tilepack"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(os.Args[1:], logger); err != nil {
		logger.Error("tile-smush failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(args []string, logger *zap.Logger) error {
	shards := envUint("SHARDS", 1)
	shard := envUint("SHARD", 0)

	logger.Info("starting merge", zap.Uint64("shards", shards), zap.Uint64("shard", shard))

	if shard >= shards {
		return fmt.Errorf("shard must be less than shards")
	}

	if len(args) == 0 {
		return fmt.Errorf("usage: tile-smush file1.mbtiles file2.mbtiles [...]")
	}

	cfg := tilepack.MergeConfig{
		Shards:     shards,
		Shard:      shard,
		Inputs:     args,
		OutputPath: "merged.mbtiles",
	}

	pipeline := tilepack.NewMergePipeline(cfg, logger)
	return pipeline.Run()
}

func envUint(name string, def uint64) uint64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
