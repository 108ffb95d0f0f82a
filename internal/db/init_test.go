package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSQLScripts(t *testing.T) {
	scripts, err := readSQLScripts()
	require.NoError(t, err)
	require.NotEmpty(t, scripts)

	// Scripts apply in name order.
	for i := 1; i < len(scripts); i++ {
		assert.Less(t, scripts[i-1].name, scripts[i].name)
	}

	first := scripts[0]
	assert.Contains(t, first.content, "CREATE TABLE IF NOT EXISTS webtimer_schema.jobs")
	assert.Contains(t, first.content, "pg_notify")
	assert.True(t, strings.HasSuffix(first.name, ".sql"))
}
