package tilepack

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func createMergeFixture(t *testing.T, path string, tiles map[TileCoordinate][]byte, metadata map[string]string) {
	t.Helper()

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE metadata (name TEXT, value TEXT, UNIQUE(name))`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`)
	require.NoError(t, err)

	for k, v := range metadata {
		_, err := db.Exec(`INSERT INTO metadata (name, value) VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}

	for tc, data := range tiles {
		row := tmsRow(tc.Z, tc.Y)
		_, err := db.Exec(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?,?,?,?)`,
			tc.Z, tc.X, row, data)
		require.NoError(t, err)
	}
}

// TestMergePipelineFastPathPassthrough covers S2: two inputs with
// disjoint coordinates must both survive the merge unchanged.
func TestMergePipelineFastPathPassthrough(t *testing.T) {
	dir := t.TempDir()

	aPath := filepath.Join(dir, "a.mbtiles")
	bPath := filepath.Join(dir, "b.mbtiles")
	outPath := filepath.Join(dir, "merged.mbtiles")

	aTile, err := gzipCompress(buildTile(t, "roads"))
	require.NoError(t, err)
	bTile, err := gzipCompress(buildTile(t, "water"))
	require.NoError(t, err)

	meta := map[string]string{
		"bounds":  "-10.000000,-10.000000,10.000000,10.000000",
		"minzoom": "0",
		"maxzoom": "4",
		"json":    `{"vector_layers":[{"id":"roads"}]}`,
	}

	createMergeFixture(t, aPath, map[TileCoordinate][]byte{
		{Z: 2, X: 0, Y: 0}: aTile,
	}, meta)
	createMergeFixture(t, bPath, map[TileCoordinate][]byte{
		{Z: 2, X: 1, Y: 1}: bTile,
	}, meta)

	logger := zap.NewNop()
	pipeline := NewMergePipeline(MergeConfig{
		Shards:     1,
		Shard:      0,
		Inputs:     []string{aPath, bPath},
		OutputPath: outPath,
	}, logger)

	require.NoError(t, pipeline.Run())

	reader, err := NewMbtilesReader(outPath)
	require.NoError(t, err)
	defer reader.Close()

	got, err := reader.ReadTile(2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, aTile, got)

	got, err = reader.ReadTile(2, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, bTile, got)
}

// TestMergePipelineSlowPathConcatenatesLayers covers S3: two inputs
// sharing a coordinate must have their disjoint layers concatenated.
func TestMergePipelineSlowPathConcatenatesLayers(t *testing.T) {
	dir := t.TempDir()

	aPath := filepath.Join(dir, "a.mbtiles")
	bPath := filepath.Join(dir, "b.mbtiles")
	outPath := filepath.Join(dir, "merged.mbtiles")

	aTile, err := gzipCompress(buildTile(t, "roads"))
	require.NoError(t, err)
	bTile, err := gzipCompress(buildTile(t, "water"))
	require.NoError(t, err)

	meta := map[string]string{
		"bounds":  "-1.000000,-1.000000,1.000000,1.000000",
		"minzoom": "0",
		"maxzoom": "1",
		"json":    `{"vector_layers":[{"id":"roads"}]}`,
	}

	createMergeFixture(t, aPath, map[TileCoordinate][]byte{
		{Z: 1, X: 0, Y: 0}: aTile,
	}, meta)
	createMergeFixture(t, bPath, map[TileCoordinate][]byte{
		{Z: 1, X: 0, Y: 0}: bTile,
	}, meta)

	logger := zap.NewNop()
	pipeline := NewMergePipeline(MergeConfig{
		Shards:     1,
		Shard:      0,
		Inputs:     []string{aPath, bPath},
		OutputPath: outPath,
	}, logger)

	require.NoError(t, pipeline.Run())

	reader, err := NewMbtilesReader(outPath)
	require.NoError(t, err)
	defer reader.Close()

	merged, err := reader.ReadTile(1, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, merged)

	raw, err := gunzip(merged)
	require.NoError(t, err)
	layers, err := extractLayers(raw)
	require.NoError(t, err)

	var names []string
	for _, l := range layers {
		names = append(names, layerName(l))
	}
	assert.ElementsMatch(t, []string{"roads", "water"}, names)

	entries, err := reader.Metadata()
	require.NoError(t, err)
	metaMap := map[string]string{}
	for _, e := range entries {
		metaMap[e.Name] = e.Value
	}
	assert.Equal(t, "0", metaMap["minzoom"])
	assert.Equal(t, "1", metaMap["maxzoom"])
}

// TestMergePipelineShardedRunCoversSubsetOnly covers S4: a sharded
// invocation only ever writes coordinates assigned to its own shard.
func TestMergePipelineShardedRunCoversSubsetOnly(t *testing.T) {
	dir := t.TempDir()

	aPath := filepath.Join(dir, "a.mbtiles")
	outPath := filepath.Join(dir, "merged.mbtiles")

	tile, err := gzipCompress(buildTile(t, "roads"))
	require.NoError(t, err)

	meta := map[string]string{
		"bounds":  "-1.000000,-1.000000,1.000000,1.000000",
		"minzoom": "0",
		"maxzoom": "3",
		"json":    `{"vector_layers":[{"id":"roads"}]}`,
	}

	tiles := map[TileCoordinate][]byte{}
	for x := uint32(0); x < 4; x++ {
		for y := uint32(0); y < 4; y++ {
			tiles[TileCoordinate{Z: 3, X: x, Y: y}] = tile
		}
	}
	createMergeFixture(t, aPath, tiles, meta)

	// Pre-seed the output so shard > 0 doesn't clobber shard 0's schema;
	// a real multi-shard run relies on an external coordinator for this,
	// so the test opens/writes shard 0 first.
	shard0 := NewMergePipeline(MergeConfig{Shards: 2, Shard: 0, Inputs: []string{aPath}, OutputPath: outPath}, zap.NewNop())
	require.NoError(t, shard0.Run())

	// Shard 0 alone writes only the coordinates in bucket 0:
	// (x*8+y) % 2 == 0, i.e. the 8 tiles with even y.
	reader0, err := NewMbtilesReader(outPath)
	require.NoError(t, err)
	var count0 int
	require.NoError(t, reader0.ScanAll(func(z, x, y uint32) {
		assert.EqualValues(t, 0, shardBucket(z, x, y, 2))
		count0++
	}))
	require.NoError(t, reader0.Close())
	assert.Equal(t, 8, count0)

	shard1 := NewMergePipeline(MergeConfig{Shards: 2, Shard: 1, Inputs: []string{aPath}, OutputPath: outPath}, zap.NewNop())
	require.NoError(t, shard1.Run())

	reader, err := NewMbtilesReader(outPath)
	require.NoError(t, err)
	defer reader.Close()

	var count int
	require.NoError(t, reader.ScanAll(func(z, x, y uint32) { count++ }))
	assert.Equal(t, 16, count)
}
