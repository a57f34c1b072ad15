package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Embedded(t *testing.T) {
	t.Parallel()

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"migrations/000001_init.down.sql",
		"migrations/000001_init.up.sql",
	}, names)

	up, err := fs.ReadFile(migrationsFS, "migrations/000001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"projects", "runs", "nodes", "crowd_links", "crowd_tasks", "networks", "promotion_settings"} {
		assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}

	down, err := fs.ReadFile(migrationsFS, "migrations/000001_init.down.sql")
	require.NoError(t, err)
	assert.Equal(t, 7, strings.Count(string(down), "DROP TABLE"))
}
