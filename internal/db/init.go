package db

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"webtimer/internal/lock"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const schema = "webtimer_schema"

// Open connects to Postgres and verifies the connection.
func Open(postgresURL string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return conn, nil
}

// Init creates the schema and runs the embedded migration scripts in name
// order. A migration advisory lock ensures only one instance migrates at a
// time; Init is safe to call on every process start.
func Init(conn *sql.DB, distributedLock lock.DistributedLockManager, logger zerolog.Logger) error {
	if err := distributedLock.Acquire(lock.MigrationLock); err != nil {
		return err
	}
	defer distributedLock.Release(lock.MigrationLock)

	if _, err := conn.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		logger.Debug().Str("migration", script.name).Msg("applying migration")
		if _, err := conn.Exec(script.content); err != nil {
			return fmt.Errorf("apply migration %s: %w", script.name, err)
		}
	}

	return nil
}

type sqlScript struct {
	name    string
	content string
}

func readSQLScripts() ([]sqlScript, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	scripts := make([]sqlScript, 0, len(names))
	for _, name := range names {
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sqlScript{name: name, content: string(content)})
	}

	return scripts, nil
}
