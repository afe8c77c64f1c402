// internal/catalog/db.go
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/colebrumley/agentq/internal/api"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an agent is not in the catalog
var ErrNotFound = errors.New("agent not found in catalog")

// DefaultSearchLimit applies when Search is given no limit.
const DefaultSearchLimit = 20

// Entry is a catalogued agent
type Entry struct {
	Agent     api.Agent
	IndexedAt time.Time
}

// DB is a full-text index of agents seen through the API
type DB struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    description TEXT,
    category TEXT,
    author_name TEXT,
    data TEXT NOT NULL,
    indexed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_category ON agents(category);

CREATE VIRTUAL TABLE IF NOT EXISTS agents_fts USING fts5(
    name,
    description,
    category,
    author_name,
    content='agents',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS agents_ai AFTER INSERT ON agents BEGIN
    INSERT INTO agents_fts(rowid, name, description, category, author_name)
    VALUES (new.id, new.name, new.description, new.category, new.author_name);
END;

CREATE TRIGGER IF NOT EXISTS agents_ad AFTER DELETE ON agents BEGIN
    INSERT INTO agents_fts(agents_fts, rowid, name, description, category, author_name)
    VALUES ('delete', old.id, old.name, old.description, old.category, old.author_name);
END;

CREATE TRIGGER IF NOT EXISTS agents_au AFTER UPDATE ON agents BEGIN
    INSERT INTO agents_fts(agents_fts, rowid, name, description, category, author_name)
    VALUES ('delete', old.id, old.name, old.description, old.category, old.author_name);
    INSERT INTO agents_fts(rowid, name, description, category, author_name)
    VALUES (new.id, new.name, new.description, new.category, new.author_name);
END;
`

// Open opens or creates a catalog database at the given path
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Index upserts agents by id. Agents without an id are skipped.
func (d *DB) Index(agents []api.Agent) (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO agents (agent_id, name, description, category, author_name, data, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
		    name = excluded.name,
		    description = excluded.description,
		    category = excluded.category,
		    author_name = excluded.author_name,
		    data = excluded.data,
		    indexed_at = excluded.indexed_at`)
	if err != nil {
		return 0, fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := d.now().UnixMilli()
	n := 0
	for _, a := range agents {
		if a.ID == "" {
			continue
		}
		data, err := json.Marshal(a)
		if err != nil {
			return 0, fmt.Errorf("encoding agent %s: %w", a.ID, err)
		}
		if _, err := stmt.Exec(a.ID, a.Name, a.Description, a.Category, a.AuthorName, string(data), now); err != nil {
			return 0, fmt.Errorf("indexing agent %s: %w", a.ID, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing index: %w", err)
	}
	return n, nil
}

// Search finds agents matching the free-text query, best match first. Each
// word of the query must match a word prefix in the name, description,
// category or author. An empty query lists the catalog by name. category
// filters exactly when set.
func (d *DB) Search(query, category string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var rows *sql.Rows
	var err error
	match := matchExpr(query)

	switch {
	case match == "" && category == "":
		rows, err = d.db.Query(`
			SELECT data, indexed_at FROM agents ORDER BY name LIMIT ?`, limit)
	case match == "":
		rows, err = d.db.Query(`
			SELECT data, indexed_at FROM agents WHERE category = ? ORDER BY name LIMIT ?`,
			category, limit)
	case category == "":
		rows, err = d.db.Query(`
			SELECT a.data, a.indexed_at
			FROM agents a
			JOIN agents_fts fts ON a.id = fts.rowid
			WHERE agents_fts MATCH ?
			ORDER BY rank
			LIMIT ?`, match, limit)
	default:
		rows, err = d.db.Query(`
			SELECT a.data, a.indexed_at
			FROM agents a
			JOIN agents_fts fts ON a.id = fts.rowid
			WHERE agents_fts MATCH ? AND a.category = ?
			ORDER BY rank
			LIMIT ?`, match, category, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("searching catalog: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var data string
		var indexed int64
		if err := rows.Scan(&data, &indexed); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e.Agent); err != nil {
			return nil, fmt.Errorf("decoding agent: %w", err)
		}
		e.IndexedAt = time.UnixMilli(indexed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes an agent by id
func (d *DB) Remove(id string) error {
	result, err := d.db.Exec("DELETE FROM agents WHERE agent_id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of catalogued agents
func (d *DB) Count() (int, error) {
	var n int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return n, nil
}

// matchExpr turns free text into an FTS5 expression of quoted prefix
// terms, so user input never reaches the query syntax.
func matchExpr(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"*`)
	}
	return strings.Join(terms, " ")
}
