// internal/cache/db_test.go
package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/colebrumley/agentq/internal/query"
)

var _ query.Store = (*DB)(nil)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "cache.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"query_cache", "schema_version"} {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("%s table not created: %v", table, err)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put("agents", []byte(`[1]`), time.Now()); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()

	var versions int
	db.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&versions)
	if versions != 1 {
		t.Errorf("schema_version rows = %d, want 1", versions)
	}
	if _, _, ok, _ := db.Get("agents"); !ok {
		t.Error("stored entry lost across reopen")
	}
}

func TestPutGet(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2024, 4, 29, 12, 34, 56, 789_000_000, time.UTC)

	if _, _, ok, err := db.Get("missing"); ok || err != nil {
		t.Errorf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := db.Put("agents/x", []byte(`{"a":1}`), at); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data, updated, ok, err := db.Get("agents/x")
	if err != nil || !ok {
		t.Fatalf("Get() ok = %v, err = %v", ok, err)
	}
	if !bytes.Equal(data, []byte(`{"a":1}`)) {
		t.Errorf("data = %s", data)
	}
	if !updated.Equal(at) {
		t.Errorf("updatedAt = %v, want %v", updated, at)
	}

	if err := db.Put("agents/x", []byte(`{"a":2}`), at.Add(time.Minute)); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	data, _, _, _ = db.Get("agents/x")
	if string(data) != `{"a":2}` {
		t.Errorf("data after overwrite = %s", data)
	}
	if n, _ := db.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestDeletePrefix(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	for _, k := range []string{"agents", "agents/1", "agents/2/expanded", "agentsX", "agent_1", "agent%1", "tools/agents"} {
		if err := db.Put(k, []byte("null"), now); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.DeletePrefix("agents"); err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}

	tests := []struct {
		key  string
		kept bool
	}{
		{"agents", false},
		{"agents/1", false},
		{"agents/2/expanded", false},
		{"agentsX", true},
		{"agent_1", true},
		{"agent%1", true},
		{"tools/agents", true},
	}
	for _, tt := range tests {
		_, _, ok, _ := db.Get(tt.key)
		if ok != tt.kept {
			t.Errorf("%s kept = %v, want %v", tt.key, ok, tt.kept)
		}
	}

	// LIKE wildcards in the prefix are literal.
	if err := db.DeletePrefix("agent_"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := db.Get("agent_1"); !ok {
		t.Error("agent_1 removed by prefix agent_")
	}

	if err := db.DeletePrefix(""); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.Len(); n != 0 {
		t.Errorf("Len() after clearing = %d", n)
	}
}

func TestCleanup(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return now }

	db.Put("old", []byte("1"), now.AddDate(0, 0, -40))
	db.Put("recent", []byte("2"), now.AddDate(0, 0, -2))

	deleted, err := db.Cleanup(30)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, _, ok, _ := db.Get("recent"); !ok {
		t.Error("recent entry removed")
	}
}

func TestQueryClientRoundTrip(t *testing.T) {
	db := openTestDB(t)
	c := query.NewClient(db, nil)
	q := query.New(c, query.Options[[]string]{
		Key:       query.Key{"agentCategories"},
		StaleTime: time.Hour,
		Fetch: func(ctx context.Context) ([]string, error) {
			return []string{"general", "finance"}, nil
		},
	})
	if _, err := q.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, _, ok, err := db.Get("agentCategories")
	if err != nil || !ok {
		t.Fatalf("query result not persisted: ok=%v err=%v", ok, err)
	}
	if string(data) != `["general","finance"]` {
		t.Errorf("persisted = %s", data)
	}
}
