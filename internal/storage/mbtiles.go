package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/veranemoloko/tilesweep/internal/domain"
	errpkg "github.com/veranemoloko/tilesweep/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT);
CREATE UNIQUE INDEX IF NOT EXISTS metadata_name ON metadata (name);
CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB);
CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
`

// Metadata is written into the archive's metadata table on open.
type Metadata struct {
	Name    string
	Format  string
	Bounds  domain.BoundingBox
	MinZoom uint32
	MaxZoom uint32
}

// MetadataFor derives the archive metadata of a job.
func MetadataFor(job domain.MapJob) Metadata {
	return Metadata{
		Name:    job.DisplayName,
		Format:  "pbf",
		Bounds:  job.BBox,
		MinZoom: job.MinZoom,
		MaxZoom: job.MaxZoom,
	}
}

// MBTiles is a tile archive in the MBTiles (SQLite) format. Put only buffers;
// tiles reach the database on Flush, in a single transaction.
type MBTiles struct {
	mu       sync.Mutex
	db       *sql.DB
	path     string
	compress bool
	pending  map[domain.TileCoord][]byte
}

// OpenMBTiles opens or creates the archive at path and refreshes its metadata.
// Tiles are gzip-compressed on Put when compress is set.
func OpenMBTiles(ctx context.Context, path string, meta Metadata, compress bool) (*MBTiles, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create archive directory: %v", errpkg.ErrStorage, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errpkg.ErrStorage, path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: configure %s: %v", errpkg.ErrStorage, path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema in %s: %v", errpkg.ErrStorage, path, err)
	}

	m := &MBTiles{
		db:       db,
		path:     path,
		compress: compress,
		pending:  make(map[domain.TileCoord][]byte),
	}
	if err := m.writeMetadata(ctx, meta); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *MBTiles) writeMetadata(ctx context.Context, meta Metadata) error {
	values := map[string]string{
		"name":    meta.Name,
		"format":  meta.Format,
		"crs":     "EPSG:3857",
		"minzoom": strconv.FormatUint(uint64(meta.MinZoom), 10),
		"maxzoom": strconv.FormatUint(uint64(meta.MaxZoom), 10),
		"bounds":  meta.Bounds.MBTilesBounds(),
	}
	if m.compress {
		values["compression"] = "gzip"
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin metadata update: %v", errpkg.ErrStorage, err)
	}
	defer tx.Rollback()

	for name, value := range values {
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)", name, value); err != nil {
			return fmt.Errorf("%w: write metadata %s: %v", errpkg.ErrStorage, name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit metadata: %v", errpkg.ErrStorage, err)
	}
	return nil
}

// Exists reports whether the tile is stored or waiting for the next Flush.
func (m *MBTiles) Exists(ctx context.Context, c domain.TileCoord) (bool, error) {
	m.mu.Lock()
	_, buffered := m.pending[c]
	m.mu.Unlock()
	if buffered {
		return true, nil
	}

	var one int
	err := m.db.QueryRowContext(ctx,
		"SELECT 1 FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ? LIMIT 1",
		c.Z, c.X, c.TMSRow(),
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: lookup %s: %v", errpkg.ErrStorage, c, err)
	}
	return true, nil
}

// Put buffers a tile. Writing the same tile twice keeps the latest payload.
func (m *MBTiles) Put(ctx context.Context, c domain.TileCoord, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := data
	if m.compress {
		var err error
		if payload, err = gzipBytes(data); err != nil {
			return fmt.Errorf("%w: compress %s: %v", errpkg.ErrStorage, c, err)
		}
	}

	m.mu.Lock()
	m.pending[c] = payload
	m.mu.Unlock()
	return nil
}

// Pending returns the number of buffered tiles.
func (m *MBTiles) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush writes buffered tiles in one transaction. On failure the buffer is
// kept so a later Flush can retry.
func (m *MBTiles) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin flush: %v", errpkg.ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", errpkg.ErrStorage, err)
	}
	defer stmt.Close()

	for c, data := range m.pending {
		if _, err := stmt.ExecContext(ctx, c.Z, c.X, c.TMSRow(), data); err != nil {
			return fmt.Errorf("%w: insert %s: %v", errpkg.ErrStorage, c, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit flush: %v", errpkg.ErrStorage, err)
	}

	clear(m.pending)
	return nil
}

// Count returns the number of tiles stored on disk.
func (m *MBTiles) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tiles").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count tiles: %v", errpkg.ErrStorage, err)
	}
	return n, nil
}

// ReadTile returns the stored payload of c, decompressed.
func (m *MBTiles) ReadTile(ctx context.Context, c domain.TileCoord) ([]byte, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		c.Z, c.X, c.TMSRow(),
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errpkg.ErrStorage, c, err)
	}
	if !m.compress {
		return data, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", errpkg.ErrStorage, c, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Metadata returns a value from the metadata table.
func (m *MBTiles) Metadata(ctx context.Context, name string) (string, error) {
	var value string
	if err := m.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE name = ?", name).Scan(&value); err != nil {
		return "", fmt.Errorf("%w: read metadata %s: %v", errpkg.ErrStorage, name, err)
	}
	return value, nil
}

// Close flushes buffered tiles and closes the database.
func (m *MBTiles) Close() error {
	flushErr := m.Flush(context.Background())
	if err := m.db.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("%w: close %s: %v", errpkg.ErrStorage, m.path, err))
	}
	return flushErr
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
