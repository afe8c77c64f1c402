// internal/cache/db.go
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB persists query results so that a restarted process can serve them
// before its first fetch.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS query_cache (
    key TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_cache_updated ON query_cache(updated_at);
`

// Open opens or creates a cache database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Writes come from concurrent fetches; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count)
	if count == 0 {
		db.Exec("INSERT INTO schema_version (version) VALUES (1)")
	}

	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Get returns the stored result for key.
func (d *DB) Get(key string) ([]byte, time.Time, bool, error) {
	var data []byte
	var updated int64
	err := d.db.QueryRow("SELECT data, updated_at FROM query_cache WHERE key = ?", key).Scan(&data, &updated)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("reading cached query %s: %w", key, err)
	}
	return data, time.UnixMilli(updated), true, nil
}

// Put stores data under key, replacing any previous result.
func (d *DB) Put(key string, data []byte, updatedAt time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO query_cache (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data, updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storing cached query %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes key prefix itself and every key below it
// ("agents" matches "agents" and "agents/..." but not "agentsX").
// An empty prefix clears the cache.
func (d *DB) DeletePrefix(prefix string) error {
	var err error
	if prefix == "" {
		_, err = d.db.Exec("DELETE FROM query_cache")
	} else {
		_, err = d.db.Exec(
			`DELETE FROM query_cache WHERE key = ? OR key LIKE ? ESCAPE '\'`,
			prefix, escapeLike(prefix)+"/%",
		)
	}
	if err != nil {
		return fmt.Errorf("deleting cached queries under %q: %w", prefix, err)
	}
	return nil
}

// Len returns the number of stored results.
func (d *DB) Len() (int, error) {
	var n int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM query_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cached queries: %w", err)
	}
	return n, nil
}

// Cleanup removes results older than the specified number of days.
func (d *DB) Cleanup(retentionDays int) (int64, error) {
	cutoff := d.now().AddDate(0, 0, -retentionDays)
	result, err := d.db.Exec("DELETE FROM query_cache WHERE updated_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleaning up cache: %w", err)
	}
	return result.RowsAffected()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
