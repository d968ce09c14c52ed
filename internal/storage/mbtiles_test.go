package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/tilesweep/internal/domain"
)

func testMetadata() Metadata {
	return Metadata{
		Name:    "Alps",
		Format:  "pbf",
		Bounds:  domain.BoundingBox{MinLon: 5.9, MinLat: 45.8, MaxLon: 10.5, MaxLat: 47.8},
		MinZoom: 0,
		MaxZoom: 14,
	}
}

func openTestArchive(t *testing.T, compress bool) (*MBTiles, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maps", "alps.mbtiles")
	m, err := OpenMBTiles(context.Background(), path, testMetadata(), compress)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, path
}

func TestMBTiles_Metadata(t *testing.T) {
	m, _ := openTestArchive(t, true)
	ctx := context.Background()

	for name, want := range map[string]string{
		"name":        "Alps",
		"format":      "pbf",
		"crs":         "EPSG:3857",
		"minzoom":     "0",
		"maxzoom":     "14",
		"bounds":      "5.9,45.8,10.5,47.8",
		"compression": "gzip",
	} {
		got, err := m.Metadata(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestMBTiles_PutExistsFlush(t *testing.T) {
	m, _ := openTestArchive(t, true)
	ctx := context.Background()
	c := domain.TileCoord{Z: 3, X: 4, Y: 2}

	ok, err := m.Exists(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put(ctx, c, []byte("vector tile")))
	ok, err = m.Exists(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok, "buffered tiles count as present")
	assert.Equal(t, 1, m.Pending())

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, m.Flush(ctx))
	assert.Zero(t, m.Pending())

	n, err = m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	data, err := m.ReadTile(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []byte("vector tile"), data)
}

func TestMBTiles_PutIsIdempotent(t *testing.T) {
	m, _ := openTestArchive(t, false)
	ctx := context.Background()
	c := domain.TileCoord{Z: 1, X: 1, Y: 0}

	require.NoError(t, m.Put(ctx, c, []byte("one")))
	require.NoError(t, m.Flush(ctx))
	require.NoError(t, m.Put(ctx, c, []byte("two")))
	require.NoError(t, m.Flush(ctx))

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	data, err := m.ReadTile(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestMBTiles_StoresTMSRow(t *testing.T) {
	m, _ := openTestArchive(t, false)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, domain.TileCoord{Z: 2, X: 1, Y: 0}, []byte("north")))
	require.NoError(t, m.Flush(ctx))

	var row int
	err := m.db.QueryRowContext(ctx, "SELECT tile_row FROM tiles WHERE zoom_level = 2 AND tile_column = 1").Scan(&row)
	require.NoError(t, err)
	assert.Equal(t, 3, row)
}

func TestMBTiles_ReopenKeepsTiles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alps.mbtiles")

	m, err := OpenMBTiles(ctx, path, testMetadata(), true)
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, domain.TileCoord{Z: 0}, []byte("root")))
	require.NoError(t, m.Close(), "close flushes pending tiles")

	reopened, err := OpenMBTiles(ctx, path, testMetadata(), true)
	require.NoError(t, err)
	defer reopened.Close()

	ok, err := reopened.Exists(ctx, domain.TileCoord{Z: 0})
	require.NoError(t, err)
	assert.True(t, ok)
}
