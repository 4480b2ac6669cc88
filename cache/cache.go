// Package cache implements the broker's persistent general-purpose store: a
// kind-partitioned key/value table with JSON payloads and a single
// self-referential parent edge per row. It serves both as a response cache
// for the remote client and as the backing store for the image lineage graph.
package cache

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/contree-dev/contree-broker/errdef"
)

// safeFieldPattern restricts List filter keys to identifier/dot paths.
// Filter keys are interpolated into the query text, so anything outside this
// pattern is rejected before it can change the query's shape.
var safeFieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	parent_id INTEGER,
	data TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
	UNIQUE(kind, key),
	FOREIGN KEY (parent_id) REFERENCES cache(id)
);
CREATE INDEX IF NOT EXISTS idx_cache_kind ON cache(kind);
CREATE INDEX IF NOT EXISTS idx_cache_parent ON cache(parent_id);
CREATE INDEX IF NOT EXISTS idx_cache_created ON cache(created_at);
`

const (
	// timeLayout is a fixed-width UTC timestamp so that string comparison in
	// SQL matches chronological order.
	timeLayout = "2006-01-02 15:04:05.000000000"

	sweepInterval = 24 * time.Hour
)

const entryColumns = "id, kind, key, parent_id, data, created_at, updated_at"

// Entry is a single cache row.
type Entry struct {
	ID        int64
	Kind      string
	Key       string
	ParentID  *int64
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the entry's JSON payload into v.
func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errdef.Persistencef("cache entry %s/%s payload: %v", e.Kind, e.Key, err)
	}
	return nil
}

// Filter matches entries whose JSON payload has Value at Path (a dotted
// identifier path like "user.name").
type Filter struct {
	Path  string
	Value any
}

// Cache is a process-local persistent KV store. All methods are safe for
// concurrent use; writes are serialized internally.
type Cache struct {
	db            *sql.DB
	retentionDays int

	mu        sync.Mutex // serializes write transactions
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens (creating if necessary) the cache database at path and starts
// the background retention sweep. Entries older than retentionDays are
// deleted by the sweep; retentionDays <= 0 disables retention.
func Open(path string, retentionDays int) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errdef.Persistencef("create cache directory: %v", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errdef.Persistencef("open cache db: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errdef.Persistencef("apply cache schema: %v", err)
	}
	c := &Cache{
		db:            db,
		retentionDays: retentionDays,
		done:          make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweep()
	return c, nil
}

// Close stops the retention sweep and closes the database.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	if err := c.db.Close(); err != nil {
		return errdef.Persistencef("close cache db: %v", err)
	}
	return nil
}

// Put upserts an entry. The id and created_at of an existing (kind, key) row
// are preserved; only data, parent_id and updated_at change. data must be
// JSON-serializable.
func (c *Cache) Put(kind, key string, data any, parentID *int64) (*Entry, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errdef.InvalidArgumentf("cache data for %s/%s is not serializable: %v", kind, key, err)
	}
	now := time.Now().UTC().Format(timeLayout)

	c.mu.Lock()
	_, err = c.db.Exec(`
		INSERT INTO cache (kind, key, parent_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE
		SET parent_id = excluded.parent_id, data = excluded.data, updated_at = excluded.updated_at`,
		kind, key, parentID, string(payload), now, now)
	c.mu.Unlock()
	if err != nil {
		return nil, errdef.Persistencef("cache put %s/%s: %v", kind, key, err)
	}

	entry, err := c.Get(kind, key, 0)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errdef.Persistencef("cache entry %s/%s missing after upsert", kind, key)
	}
	return entry, nil
}

// Get returns the entry for (kind, key), or nil if absent. When ttl > 0 and
// the entry was last updated more than ttl ago, nil is returned without
// deleting the row.
func (c *Cache) Get(kind, key string, ttl time.Duration) (*Entry, error) {
	row := c.db.QueryRow(
		"SELECT "+entryColumns+" FROM cache WHERE kind = ? AND key = ?", kind, key)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errdef.Persistencef("cache get %s/%s: %v", kind, key, err)
	}
	if ttl > 0 && time.Since(entry.UpdatedAt) > ttl {
		return nil, nil
	}
	return entry, nil
}

// GetByID returns the entry with the given id, or nil if absent.
func (c *Cache) GetByID(id int64) (*Entry, error) {
	row := c.db.QueryRow("SELECT "+entryColumns+" FROM cache WHERE id = ?", id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errdef.Persistencef("cache get id %d: %v", id, err)
	}
	return entry, nil
}

// Delete removes the entry for (kind, key) and reports whether a row was
// actually removed.
func (c *Cache) Delete(kind, key string) (bool, error) {
	c.mu.Lock()
	result, err := c.db.Exec("DELETE FROM cache WHERE kind = ? AND key = ?", kind, key)
	c.mu.Unlock()
	if err != nil {
		return false, errdef.Persistencef("cache delete %s/%s: %v", kind, key, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// List returns up to limit entries of a kind, newest first. Each filter
// matches entries whose payload field at Path equals Value. Filter paths must
// match the safe identifier pattern or the call fails with ErrInvalidArgument.
func (c *Cache) List(kind string, limit int, filters ...Filter) ([]*Entry, error) {
	var clauses []string
	params := []any{kind}
	for _, f := range filters {
		if !safeFieldPattern.MatchString(f.Path) {
			return nil, errdef.InvalidArgumentf("invalid filter field name: %q", f.Path)
		}
		clauses = append(clauses, "json_extract(data, '$."+f.Path+"') = ?")
		params = append(params, f.Value)
	}
	query := "SELECT " + entryColumns + " FROM cache WHERE kind = ?"
	if len(clauses) > 0 {
		query += " AND " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	params = append(params, limit)

	rows, err := c.db.Query(query, params...)
	if err != nil {
		return nil, errdef.Persistencef("cache list %s: %v", kind, err)
	}
	return collectEntries(rows, kind)
}

// Ancestors walks the parent chain upward from (kind, key), exclusive of the
// starting row: the immediate parent first, the root last. The walk is
// bounded by limit in case schema corruption ever introduces a cycle.
func (c *Cache) Ancestors(kind, key string, limit int) ([]*Entry, error) {
	rows, err := c.db.Query(`
		WITH RECURSIVE ancestor_chain(id, kind, key, parent_id, data, created_at, updated_at, depth) AS (
			SELECT `+entryColumns+`, 0 FROM cache WHERE kind = ? AND key = ?
			UNION ALL
			SELECT c.id, c.kind, c.key, c.parent_id, c.data, c.created_at, c.updated_at, ac.depth + 1
			FROM cache c INNER JOIN ancestor_chain ac ON c.id = ac.parent_id
			WHERE ac.depth < ?
		)
		SELECT `+entryColumns+` FROM ancestor_chain WHERE depth > 0 ORDER BY depth`,
		kind, key, limit)
	if err != nil {
		return nil, errdef.Persistencef("cache ancestors %s/%s: %v", kind, key, err)
	}
	return collectEntries(rows, kind)
}

// Children returns the transitive closure of entries below (kind, parentKey),
// bounded by limit. Returns an empty slice when the parent does not exist.
func (c *Cache) Children(kind, parentKey string, limit int) ([]*Entry, error) {
	parent, err := c.Get(kind, parentKey, 0)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, nil
	}
	rows, err := c.db.Query(`
		WITH RECURSIVE child_chain(id, kind, key, parent_id, data, created_at, updated_at) AS (
			SELECT `+entryColumns+` FROM cache WHERE parent_id = ?
			UNION ALL
			SELECT c.id, c.kind, c.key, c.parent_id, c.data, c.created_at, c.updated_at
			FROM cache c INNER JOIN child_chain cc ON c.parent_id = cc.id
		)
		SELECT `+entryColumns+` FROM child_chain LIMIT ?`,
		parent.ID, limit)
	if err != nil {
		return nil, errdef.Persistencef("cache children %s/%s: %v", kind, parentKey, err)
	}
	return collectEntries(rows, kind)
}

// retain deletes rows older than the retention cutoff.
func (c *Cache) retain() error {
	if c.retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -c.retentionDays).Format(timeLayout)
	c.mu.Lock()
	_, err := c.db.Exec("DELETE FROM cache WHERE created_at < ?", cutoff)
	c.mu.Unlock()
	if err != nil {
		return errdef.Persistencef("cache retention: %v", err)
	}
	return nil
}

// sweep runs retention once at open and then every 24 hours until Close.
// Sweep failures are logged, never fatal.
func (c *Cache) sweep() {
	defer c.wg.Done()
	if err := c.retain(); err != nil {
		log.Error().Err(err).Msg("Cache retention sweep failed.")
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.retain(); err != nil {
				log.Error().Err(err).Msg("Cache retention sweep failed.")
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry     Entry
		parentID  sql.NullInt64
		data      string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&entry.ID, &entry.Kind, &entry.Key, &parentID, &data, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		id := parentID.Int64
		entry.ParentID = &id
	}
	entry.Data = json.RawMessage(data)
	entry.CreatedAt = parseTime(createdAt)
	entry.UpdatedAt = parseTime(updatedAt)
	return &entry, nil
}

func collectEntries(rows *sql.Rows, kind string) ([]*Entry, error) {
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errdef.Persistencef("cache scan %s: %v", kind, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Persistencef("cache rows %s: %v", kind, err)
	}
	return entries, nil
}

// parseTime accepts our own layout plus the formats SQLite's
// CURRENT_TIMESTAMP default and older rows may carry.
func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
