package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenSQLitePragmas(t *testing.T) {
	conn, err := Open("sqlite3", filepath.Join(t.TempDir(), "pragma.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer conn.Close()

	var mode string
	require.NoError(t, conn.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, conn.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var timeout int
	require.NoError(t, conn.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestIsDatabaseClosed(t *testing.T) {
	conn, err := Open("sqlite3", ":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = conn.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
}
