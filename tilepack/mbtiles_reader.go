package tilepack

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
	"github.com/paulmach/orb"
)

// MetadataEntry is a single (name, value) row from an MBTiles metadata
// table.
type MetadataEntry struct {
	Name  string
	Value string
}

// MBTilesReader gives read-only access to a single MBTiles archive.
type MBTilesReader interface {
	Close() error
	Metadata() ([]MetadataEntry, error)
	Bounds() (orb.Bound, error)
	ReadTile(z, x, y uint32) ([]byte, error)
	ScanAll(visit func(z, x, y uint32)) error
}

// NewMbtilesReader opens path read-only and immutable, matching
// original_source's openForReading URI (`file:<path>?immutable=1&mode=ro`).
func NewMbtilesReader(path string) (MBTilesReader, error) {
	dsn := fmt.Sprintf("file:%s?immutable=1&mode=ro", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s for reading: %w", path, err)
	}
	return &mbtilesReader{db: db, path: path}, nil
}

type mbtilesReader struct {
	db   *sql.DB
	path string
}

func (r *mbtilesReader) Close() error {
	if r.db == nil {
		return nil
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", r.path, err)
	}
	return nil
}

// Metadata returns every (name, value) row in the metadata table.
func (r *mbtilesReader) Metadata() ([]MetadataEntry, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("read metadata from %s: %w", r.path, err)
	}
	defer rows.Close()

	var out []MetadataEntry
	for rows.Next() {
		var e MetadataEntry
		if err := rows.Scan(&e.Name, &e.Value); err != nil {
			return nil, fmt.Errorf("scan metadata row from %s: %w", r.path, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Bounds parses the `bounds` metadata value ("minLon,minLat,maxLon,maxLat")
// matching original_source's readBoundingBox split-by-comma parse.
func (r *mbtilesReader) Bounds() (orb.Bound, error) {
	var boundsStr string
	row := r.db.QueryRow("SELECT value FROM metadata WHERE name='bounds'")
	if err := row.Scan(&boundsStr); err != nil {
		return orb.Bound{}, fmt.Errorf("read bounds from %s: %w", r.path, err)
	}

	parts := strings.Split(boundsStr, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("malformed bounds %q in %s", boundsStr, r.path)
	}

	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("malformed bounds %q in %s: %w", boundsStr, r.path, err)
		}
		vals[i] = v
	}

	return orb.Bound{
		Min: orb.Point{vals[0], vals[1]},
		Max: orb.Point{vals[2], vals[3]},
	}, nil
}

// ReadTile returns the raw tile payload at the given XYZ coordinate,
// converting to the on-disk TMS row internally. Returns (nil, nil) when
// absent, matching the teacher's nil-on-sql.ErrNoRows convention.
func (r *mbtilesReader) ReadTile(z, x, y uint32) ([]byte, error) {
	row := tmsRow(z, y)

	var data []byte
	result := r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=? LIMIT 1",
		z, x, row,
	)
	if err := result.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("read tile z=%d x=%d y=%d from %s: %w", z, x, y, r.path, err)
	}
	return data, nil
}

// ScanAll walks every tile row, converting TMS tile_row to XYZ y before
// invoking visit. Together with ReadTile and MBTilesWriter's flush, this
// is one of the places where the TMS<->XYZ boundary is crossed: every
// caller above this layer works in pure XYZ space.
func (r *mbtilesReader) ScanAll(visit func(z, x, y uint32)) error {
	rows, err := r.db.Query("SELECT zoom_level, tile_column, tile_row FROM tiles")
	if err != nil {
		return fmt.Errorf("scan tiles in %s: %w", r.path, err)
	}
	defer rows.Close()

	var z, x, row uint32
	for rows.Next() {
		if err := rows.Scan(&z, &x, &row); err != nil {
			return fmt.Errorf("scan tile row in %s: %w", r.path, err)
		}
		visit(z, x, xyzFromTMSRow(z, row))
	}
	return rows.Err()
}
