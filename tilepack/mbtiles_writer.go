package tilepack

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
	"go.uber.org/zap"
)

// writerState is the MBTilesWriter lifecycle, matching the CREATED ->
// OPEN -> (flushing <-> OPEN) -> CLOSED machine in SPEC_FULL.md §4.3.
type writerState int

const (
	writerCreated writerState = iota
	writerOpen
	writerClosed
)

// flushThreshold mirrors original_source's saveTile `> 10000` check.
const flushThreshold = 10000

// WriteMode selects which prepared statement a pending tile uses.
type WriteMode int

const (
	ModeInsert WriteMode = iota
	ModeReplace
)

// pendingTile is a queued write, the Go rendition of original_source's
// PendingStatement.
type pendingTile struct {
	z, x, y uint32
	data    []byte
	mode    WriteMode
}

// MBTilesWriter is a batching, transaction-coalescing, cross-process
// locked MBTiles sink.
type MBTilesWriter struct {
	path string
	log  *zap.Logger

	mu    sync.Mutex
	state writerState

	db    *sql.DB
	lock  *flock.Flock
	stmts [2]*sql.Stmt // indexed by WriteMode

	queueMu     sync.Mutex
	front, back []pendingTile
}

// NewMBTilesWriter constructs a writer bound to path but does not open it.
// The advisory lock file lives alongside path as "lockfile", matching
// original_source's "./lockfile" default for the common case of a single
// output directory.
func NewMBTilesWriter(path string, log *zap.Logger) *MBTilesWriter {
	lockPath := filepath.Join(filepath.Dir(path), "lockfile")
	return &MBTilesWriter{
		path:  path,
		log:   log,
		state: writerCreated,
		lock:  flock.New(lockPath),
	}
}

// OpenForWriting creates (or opens) the output database, applies PRAGMAs,
// creates the schema, and prepares both tile statements.
func (w *MBTilesWriter) OpenForWriting() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerCreated {
		return fmt.Errorf("mbtiles writer: OpenForWriting called in state %d", w.state)
	}

	// Create the lock file with mode 0644 before flock opens it; flock
	// itself would create a missing file as 0600.
	lockFile, err := os.OpenFile(w.lock.Path(), os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("create lock file for %s: %w", w.path, err)
	}
	lockFile.Close()

	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock for %s: %w", w.path, err)
	}
	defer w.lock.Unlock()

	db, err := sql.Open("sqlite3", w.path)
	if err != nil {
		return fmt.Errorf("open %s for writing: %w", w.path, err)
	}
	w.db = db

	// Non-fatal PRAGMAs: a failure here is logged and ignored rather than
	// aborting opening, matching original_source's try/catch-wrapped
	// PRAGMA calls.
	for _, pragma := range []string{
		"PRAGMA synchronous = OFF",
		"PRAGMA application_id = 0x4d504258",
		"PRAGMA encoding = 'UTF-8'",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			w.log.Warn("non-fatal pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	// Fatal: page_size only takes effect after a VACUUM.
	if _, err := db.Exec("PRAGMA page_size = 65536"); err != nil {
		return fmt.Errorf("set page_size on %s: %w", w.path, err)
	}
	if _, err := db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum %s: %w", w.path, err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT, UNIQUE (name))`); err != nil {
		return fmt.Errorf("create metadata table in %s: %w", w.path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`); err != nil {
		return fmt.Errorf("create tiles table in %s: %w", w.path, err)
	}
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row)`); err != nil {
		return fmt.Errorf("create tile index in %s: %w", w.path, err)
	}

	insertStmt, err := db.Prepare(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare insert statement for %s: %w", w.path, err)
	}
	replaceStmt, err := db.Prepare(`REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare replace statement for %s: %w", w.path, err)
	}
	w.stmts[ModeInsert] = insertStmt
	w.stmts[ModeReplace] = replaceStmt

	w.state = writerOpen
	return nil
}

// WriteMetadata upserts a single metadata key, matching
// original_source's `REPLACE INTO metadata`.
func (w *MBTilesWriter) WriteMetadata(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerOpen {
		return fmt.Errorf("mbtiles writer: WriteMetadata called in state %d", w.state)
	}

	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock for %s: %w", w.path, err)
	}
	defer w.lock.Unlock()

	if _, err := w.db.Exec(`REPLACE INTO metadata (name, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("write metadata %s in %s: %w", key, w.path, err)
	}
	return nil
}

// SaveTile enqueues a tile write. Queue length above flushThreshold
// triggers an immediate flush, matching original_source's saveTile.
func (w *MBTilesWriter) SaveTile(z, x, y uint32, data []byte, mode WriteMode) error {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	if state != writerOpen {
		return fmt.Errorf("mbtiles writer: SaveTile called in state %d", state)
	}

	w.queueMu.Lock()
	w.front = append(w.front, pendingTile{z: z, x: x, y: y, data: data, mode: mode})
	shouldFlush := len(w.front) > flushThreshold
	w.queueMu.Unlock()

	if shouldFlush {
		return w.flush()
	}
	return nil
}

// flush performs the two-pass swap-and-drain described in
// SPEC_FULL.md §4.3, the Go rendition of original_source's
// flushPendingStatements. Draining twice ensures a producer that enqueues
// between the swap and the start of drain is still observed before
// flush returns.
func (w *MBTilesWriter) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerOpen {
		return fmt.Errorf("mbtiles writer: flush called in state %d", w.state)
	}

	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock for %s: %w", w.path, err)
	}
	defer w.lock.Unlock()

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush transaction for %s: %w", w.path, err)
	}

	for pass := 0; pass < 2; pass++ {
		w.queueMu.Lock()
		w.front, w.back = w.back, w.front
		batch := w.back
		w.back = nil
		w.queueMu.Unlock()

		// Drain in LIFO order, matching pendingStatements2->back()/pop_back().
		for i := len(batch) - 1; i >= 0; i-- {
			p := batch[i]
			row := tmsRow(p.z, p.y)
			if _, err := tx.Stmt(w.stmts[p.mode]).Exec(p.z, p.x, row, p.data); err != nil {
				tx.Rollback()
				return fmt.Errorf("write tile z=%d x=%d y=%d to %s: %w", p.z, p.x, p.y, w.path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush transaction for %s: %w", w.path, err)
	}
	return nil
}

// CloseForWriting flushes any remaining queued tiles, finalizes the
// prepared statements and closes the database handle while still holding
// the advisory lock, matching original_source's destructor ordering.
func (w *MBTilesWriter) CloseForWriting() error {
	if err := w.flush(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock for %s: %w", w.path, err)
	}
	defer w.lock.Unlock()

	for _, stmt := range w.stmts {
		if stmt != nil {
			stmt.Close()
		}
	}

	if w.db != nil {
		if err := w.db.Close(); err != nil {
			return fmt.Errorf("close %s: %w", w.path, err)
		}
	}

	w.state = writerClosed
	return nil
}
