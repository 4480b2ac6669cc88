package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contree-dev/contree-broker/errdef"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), 120)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutPreservesIdentity(t *testing.T) {
	t.Parallel()
	c := testCache(t)

	first, err := c.Put("image", "img-A", map[string]any{"n": 1}, nil)
	require.NoError(t, err)

	second, err := c.Put("image", "img-A", map[string]any{"n": 2}, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "upsert must preserve the row id")
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "upsert must preserve created_at")
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt), "updated_at must be non-decreasing")

	var payload struct {
		N int `json:"n"`
	}
	require.NoError(t, second.Decode(&payload))
	assert.Equal(t, 2, payload.N)
}

func TestGetTTL(t *testing.T) {
	t.Parallel()
	c := testCache(t)

	_, err := c.Put("operation", "op-1", map[string]any{"status": "PENDING"}, nil)
	require.NoError(t, err)

	entry, err := c.Get("operation", "op-1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, entry)

	// age the row past the TTL without deleting it
	_, err = c.db.Exec("UPDATE cache SET updated_at = ? WHERE kind = ? AND key = ?",
		time.Now().UTC().Add(-2*time.Hour).Format(timeLayout), "operation", "op-1")
	require.NoError(t, err)

	entry, err = c.Get("operation", "op-1", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, entry, "stale entry must read as a miss")

	entry, err = c.Get("operation", "op-1", 0)
	require.NoError(t, err)
	assert.NotNil(t, entry, "the stale row must not be deleted")
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	c := testCache(t)
	entry, err := c.Get("image", "does-not-exist", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	c := testCache(t)
	_, err := c.Put("image", "img-A", map[string]any{}, nil)
	require.NoError(t, err)

	removed, err := c.Delete("image", "img-A")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.Delete("image", "img-A")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	c := testCache(t)

	_, err := c.Put("operation", "op-1", map[string]any{"status": "SUCCESS", "kind": "instance"}, nil)
	require.NoError(t, err)
	_, err = c.Put("operation", "op-2", map[string]any{"status": "FAILED", "kind": "instance"}, nil)
	require.NoError(t, err)
	_, err = c.Put("operation", "op-3", map[string]any{"status": "SUCCESS", "kind": "image_import"}, nil)
	require.NoError(t, err)

	entries, err := c.List("operation", 100, Filter{Path: "status", Value: "SUCCESS"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = c.List("operation", 100,
		Filter{Path: "status", Value: "SUCCESS"},
		Filter{Path: "kind", Value: "instance"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "op-1", entries[0].Key)
}

func TestListRejectsUnsafeFilterKeys(t *testing.T) {
	t.Parallel()
	c := testCache(t)
	_, err := c.Put("operation", "op-1", map[string]any{"status": "SUCCESS"}, nil)
	require.NoError(t, err)

	injections := []string{
		"x') OR 1=1 --",
		"x'); DROP TABLE cache; --",
		"a b",
		"1leading",
		"",
	}
	for _, key := range injections {
		_, err := c.List("operation", 100, Filter{Path: key, Value: "x"})
		assert.True(t, errdef.IsInvalidArgument(err), "filter key %q must be rejected", key)
	}

	// data must be intact after the injection attempts
	entries, err := c.List("operation", 100)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAncestorsOrder(t *testing.T) {
	t.Parallel()
	c := testCache(t)

	root, err := c.Put("image", "root", map[string]any{"is_import": true}, nil)
	require.NoError(t, err)
	mid, err := c.Put("image", "mid", map[string]any{"parent_image": "root"}, &root.ID)
	require.NoError(t, err)
	_, err = c.Put("image", "leaf", map[string]any{"parent_image": "mid"}, &mid.ID)
	require.NoError(t, err)

	ancestors, err := c.Ancestors("image", "leaf", 50)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, "mid", ancestors[0].Key, "immediate parent must come first")
	assert.Equal(t, "root", ancestors[1].Key, "root must come last")

	ancestors, err = c.Ancestors("image", "root", 50)
	require.NoError(t, err)
	assert.Empty(t, ancestors)
}

func TestChildren(t *testing.T) {
	t.Parallel()
	c := testCache(t)

	root, err := c.Put("image", "root", map[string]any{}, nil)
	require.NoError(t, err)
	child, err := c.Put("image", "child", map[string]any{}, &root.ID)
	require.NoError(t, err)
	_, err = c.Put("image", "grandchild", map[string]any{}, &child.ID)
	require.NoError(t, err)

	descendants, err := c.Children("image", "root", 50)
	require.NoError(t, err)
	assert.Len(t, descendants, 2)

	descendants, err = c.Children("image", "nonexistent", 50)
	require.NoError(t, err)
	assert.Empty(t, descendants)
}

func TestGetByID(t *testing.T) {
	t.Parallel()
	c := testCache(t)
	entry, err := c.Put("image", "img-A", map[string]any{}, nil)
	require.NoError(t, err)

	found, err := c.GetByID(entry.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "img-A", found.Key)

	found, err = c.GetByID(entry.ID + 1000)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRetention(t *testing.T) {
	t.Parallel()
	c := testCache(t)

	_, err := c.Put("image", "old", map[string]any{}, nil)
	require.NoError(t, err)
	_, err = c.Put("image", "fresh", map[string]any{}, nil)
	require.NoError(t, err)

	_, err = c.db.Exec("UPDATE cache SET created_at = ? WHERE key = ?",
		time.Now().UTC().AddDate(0, 0, -121).Format(timeLayout), "old")
	require.NoError(t, err)

	require.NoError(t, c.retain())

	entry, err := c.Get("image", "old", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = c.Get("image", "fresh", 0)
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestRetentionDisabled(t *testing.T) {
	t.Parallel()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), 0)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Put("image", "ancient", map[string]any{}, nil)
	require.NoError(t, err)
	_, err = c.db.Exec("UPDATE cache SET created_at = ? WHERE key = ?",
		time.Now().UTC().AddDate(-10, 0, 0).Format(timeLayout), "ancient")
	require.NoError(t, err)

	require.NoError(t, c.retain())
	entry, err := c.Get("image", "ancient", 0)
	require.NoError(t, err)
	assert.NotNil(t, entry, "retention_days <= 0 must disable the sweep")
}
