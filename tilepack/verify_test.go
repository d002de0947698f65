package tilepack

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
)

func TestVerifyAcceptsSealedStore(t *testing.T) {
	path := createTestSource(t, filepath.Join(t.TempDir(), "store.mbtiles"))
	assert.NoError(t, Verify(testLogger(), path))
}

func TestVerifyCatchesMetadataDrift(t *testing.T) {
	path := createTestSource(t, filepath.Join(t.TempDir(), "store.mbtiles"))

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite)
	require.NoError(t, err)
	require.NoError(t, execSQL(conn, "UPDATE metadata SET value = '9' WHERE name = 'maxzoom'"))
	require.NoError(t, conn.Close())

	assert.Error(t, Verify(testLogger(), path))
}

func TestVerifyCatchesDuplicateTiles(t *testing.T) {
	path := createTestSource(t, filepath.Join(t.TempDir(), "store.mbtiles"))

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite)
	require.NoError(t, err)
	require.NoError(t, execSQL(conn, "DROP INDEX tiles_index"))
	require.NoError(t, execSQL(conn,
		"INSERT INTO tiles SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles LIMIT 1"))
	require.NoError(t, conn.Close())

	assert.Error(t, Verify(testLogger(), path))
}
