// Package filesync maintains directory states: content-addressed snapshots
// of local directory trees uploaded for injection into container instances.
// A directory state is identified deterministically by (source path,
// destination, excludes), so repeated syncs of an unchanged tree cost one
// filesystem walk and zero uploads.
package filesync

import (
	"context"
	"database/sql"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/contree-dev/contree-broker/contree"
	"github.com/contree-dev/contree-broker/errdef"
)

const (
	// uploadConcurrency caps parallel file uploads per FileCache.
	uploadConcurrency = 10

	// revalidationInterval is how long a synced set is trusted before every
	// member is re-checked against the server.
	revalidationInterval = 24 * time.Hour

	timeLayout = "2006-01-02 15:04:05.000000000"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	size INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	ino INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	symlink_to TEXT,
	uuid TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);

CREATE TABLE IF NOT EXISTS directory_state (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	name TEXT,
	destination TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_directory_state_uuid ON directory_state(uuid);

CREATE TABLE IF NOT EXISTS directory_state_file (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	state_id INTEGER NOT NULL REFERENCES directory_state(id) ON DELETE CASCADE,
	uuid TEXT NOT NULL,
	target_path TEXT NOT NULL,
	target_mode INTEGER NOT NULL,
	UNIQUE(state_id, target_path)
);
CREATE INDEX IF NOT EXISTS idx_directory_state_file_state ON directory_state_file(state_id);
`

// Client is the remote surface SyncDirectory needs. *contree.Client
// implements it.
type Client interface {
	UploadFile(ctx context.Context, content io.Reader) (contree.FileRef, error)
	FileExistsByHash(ctx context.Context, sha256 string) (bool, error)
	ForgetFile(sha256, fileUUID string)
}

// FileState is the snapshot of one local file. Two states are the same file
// iff path, size, mtime_ns, ino and mode all match; UUID and SHA256 are
// outputs of the upload and never part of the identity.
type FileState struct {
	Path    string
	Size    int64
	MtimeNs int64
	Ino     uint64
	Mode    uint32
	UUID    string
	SHA256  string
}

// fileIdentity is the comparable key form of a FileState.
type fileIdentity struct {
	path    string
	size    int64
	mtimeNs int64
	ino     uint64
	mode    uint32
}

func (f FileState) identity() fileIdentity {
	return fileIdentity{path: f.Path, size: f.Size, mtimeNs: f.MtimeNs, ino: f.Ino, mode: f.Mode}
}

// DirectoryState is one synced tree.
type DirectoryState struct {
	ID          int64
	UUID        string
	Name        string
	Destination string
	UpdatedAt   *time.Time
}

// DirectoryStateFile maps an uploaded blob to its path inside the instance.
type DirectoryStateFile struct {
	FileUUID   string
	TargetPath string
	TargetMode uint32
}

// FileCache is the persistent store behind directory-state syncing. A single
// mutex serializes syncs: concurrent syncs of overlapping trees would race on
// the files table for no throughput gain (uploads parallelize internally).
type FileCache struct {
	db            *sql.DB
	retentionDays int
	mu            sync.Mutex
	uploadSem     *semaphore.Weighted
}

// Open creates or opens the file cache database at path, applying the schema
// and any pending migrations.
func Open(path string, retentionDays int) (*FileCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errdef.Persistencef("could not create cache directory: %v", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errdef.Persistencef("could not open file cache at %s: %v", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errdef.Persistencef("could not apply file cache schema: %v", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &FileCache{
		db:            db,
		retentionDays: retentionDays,
		uploadSem:     semaphore.NewWeighted(uploadConcurrency),
	}, nil
}

// migrate adds the nullable updated_at column to databases created before
// revalidation existed. NULL reads as "never revalidated".
func migrate(db *sql.DB) error {
	for _, table := range []string{"files", "directory_state"} {
		exists, err := columnExists(db, table, "updated_at")
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.Exec("ALTER TABLE " + table + " ADD COLUMN updated_at TIMESTAMP"); err != nil {
			return errdef.Persistencef("could not add updated_at to %s: %v", table, err)
		}
		log.Info().Str("table", table).Msg("Migrated file cache table.")
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, errdef.Persistencef("could not inspect table %s: %v", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, columnType string
		var notNull, primaryKey int
		var defaultValue any
		if err := rows.Scan(&cid, &name, &columnType, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, errdef.Persistencef("could not scan table info: %v", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close releases the underlying database.
func (f *FileCache) Close() error {
	return f.db.Close()
}

// StateUUID derives the deterministic identity of a directory state from its
// source path, destination and exclude patterns (sorted, so ordering does not
// matter).
func StateUUID(path, destination string, excludes []string) string {
	sorted := append([]string(nil), excludes...)
	sort.Strings(sorted)
	name := "file://" + filepath.ToSlash(path) + "?dest=" + destination + "&" + strings.Join(sorted, "&")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// compileExcludePattern turns a glob-ish exclude (* and ? wildcards) into a
// case-insensitive regexp anchored at the start of the relative path.
func compileExcludePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?i)^`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	compiled, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errdef.InvalidArgumentf("bad exclude pattern %q: %v", pattern, err)
	}
	return compiled, nil
}

// traverseDirectoryFiles walks root and snapshots every regular file whose
// root-relative path matches no exclude. Symlinks and special files are
// skipped.
func traverseDirectoryFiles(root string, excludes []string) (map[fileIdentity]FileState, error) {
	patterns := make([]*regexp.Regexp, 0, len(excludes))
	for _, pattern := range excludes {
		compiled, err := compileExcludePattern(pattern)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, compiled)
	}

	states := make(map[fileIdentity]FileState)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		for _, pattern := range patterns {
			if pattern.MatchString(relative) {
				return nil
			}
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return errdef.Persistencef("no stat information for %s", path)
		}
		state := FileState{
			Path:    path,
			Size:    info.Size(),
			MtimeNs: info.ModTime().UnixNano(),
			Ino:     stat.Ino,
			Mode:    uint32(stat.Mode),
		}
		states[state.identity()] = state
		return nil
	})
	if err != nil {
		return nil, errdef.Persistencef("could not walk %s: %v", root, err)
	}
	return states, nil
}

// SyncDirectory makes the remote file store hold exactly the current content
// of path and returns the directory state ID to attach to instance specs.
// Only files that changed since the last sync (by identity) are uploaded;
// identical content is further deduplicated by hash on the client. States
// untouched for more than the revalidation interval get every member
// re-checked against the server first.
func (f *FileCache) SyncDirectory(ctx context.Context, client Client, path, destination string, excludes []string, name string) (int64, error) {
	if !filepath.IsAbs(path) {
		return 0, errdef.InvalidArgumentf("directory path must be absolute, got %q", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errdef.InvalidArgumentf("cannot sync %q: %v", path, err)
	}
	if !info.IsDir() {
		return 0, errdef.InvalidArgumentf("%q is not a directory", path)
	}
	path = filepath.Clean(path)
	destination = strings.TrimRight(destination, "/")
	if destination == "" {
		return 0, errdef.InvalidArgumentf("destination must be a non-empty absolute path")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	stateUUID := StateUUID(path, destination, excludes)
	local, err := traverseDirectoryFiles(path, excludes)
	if err != nil {
		return 0, err
	}

	var stateID int64
	row := f.db.QueryRow("SELECT id FROM directory_state WHERE uuid = ?", stateUUID)
	switch err := row.Scan(&stateID); err {
	case sql.ErrNoRows:
		return f.syncNewDirectory(ctx, client, stateUUID, name, path, destination, local)
	case nil:
		return f.updateSyncedDirectory(ctx, client, stateID, path, destination, local)
	default:
		return 0, errdef.Persistencef("could not look up directory state: %v", err)
	}
}

func (f *FileCache) syncNewDirectory(ctx context.Context, client Client, stateUUID, name, root, destination string, local map[fileIdentity]FileState) (int64, error) {
	toUpload := make([]FileState, 0, len(local))
	for _, state := range local {
		toUpload = append(toUpload, state)
	}
	uploaded, err := f.uploadAll(ctx, client, toUpload)
	if err != nil {
		return 0, err
	}

	tx, err := f.db.Begin()
	if err != nil {
		return 0, errdef.Persistencef("could not begin transaction: %v", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	result, err := tx.Exec(
		"INSERT INTO directory_state (uuid, name, destination, updated_at) VALUES (?, ?, ?, ?)",
		stateUUID, nullableString(name), destination, now)
	if err != nil {
		return 0, errdef.Persistencef("could not insert directory state: %v", err)
	}
	stateID, err := result.LastInsertId()
	if err != nil {
		return 0, errdef.Persistencef("could not read directory state id: %v", err)
	}
	if err := insertStateFiles(tx, stateID, root, destination, uploaded); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errdef.Persistencef("could not commit directory state: %v", err)
	}

	log.Info().
		Str("path", root).
		Str("state", stateUUID).
		Int("files", len(uploaded)).
		Msg("Synced new directory.")
	return stateID, nil
}

func (f *FileCache) updateSyncedDirectory(ctx context.Context, client Client, stateID int64, root, destination string, local map[fileIdentity]FileState) (int64, error) {
	synced, err := f.getSyncedFiles(stateID)
	if err != nil {
		return 0, err
	}

	stale, err := f.needsRevalidation(stateID)
	if err != nil {
		return 0, err
	}
	if stale {
		if err := f.revalidateFiles(ctx, client, stateID, synced, root, destination); err != nil {
			return 0, err
		}
		if synced, err = f.getSyncedFiles(stateID); err != nil {
			return 0, err
		}
	}

	// unchanged files come from the synced side: those carry the uuid of the
	// already-uploaded content, which the fresh walk cannot know
	unchanged := make([]FileState, 0, len(synced))
	for identity, state := range synced {
		if _, ok := local[identity]; ok {
			unchanged = append(unchanged, state)
		}
	}

	var changed []FileState
	for identity, state := range local {
		if _, ok := synced[identity]; !ok {
			changed = append(changed, state)
		}
	}
	if len(changed) == 0 && len(unchanged) == len(synced) && len(local) == len(synced) {
		if err := f.touchState(stateID); err != nil {
			return 0, err
		}
		return stateID, nil
	}

	uploaded, err := f.uploadAll(ctx, client, changed)
	if err != nil {
		return 0, err
	}

	tx, err := f.db.Begin()
	if err != nil {
		return 0, errdef.Persistencef("could not begin transaction: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM directory_state_file WHERE state_id = ?", stateID); err != nil {
		return 0, errdef.Persistencef("could not clear directory state files: %v", err)
	}
	if err := insertStateFiles(tx, stateID, root, destination, append(uploaded, unchanged...)); err != nil {
		return 0, err
	}
	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.Exec("UPDATE directory_state SET updated_at = ? WHERE id = ?", now, stateID); err != nil {
		return 0, errdef.Persistencef("could not touch directory state: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errdef.Persistencef("could not commit directory state update: %v", err)
	}

	log.Info().
		Str("path", root).
		Int("uploaded", len(uploaded)).
		Int("unchanged", len(unchanged)).
		Msg("Updated synced directory.")
	return stateID, nil
}

// uploadAll pushes the given files concurrently, bounded by the upload
// semaphore, and records each in the files table. Returns the states with
// UUID and SHA256 populated.
func (f *FileCache) uploadAll(ctx context.Context, client Client, states []FileState) ([]FileState, error) {
	uploaded := make([]FileState, len(states))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, state := range states {
		i, state := i, state
		group.Go(func() error {
			if err := f.uploadSem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer f.uploadSem.Release(1)

			file, err := os.Open(state.Path)
			if err != nil {
				return errdef.Persistencef("could not open %s: %v", state.Path, err)
			}
			defer file.Close()
			ref, err := client.UploadFile(groupCtx, file)
			if err != nil {
				return err
			}
			state.UUID = ref.UUID
			state.SHA256 = ref.SHA256
			uploaded[i] = state
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(timeLayout)
	for _, state := range uploaded {
		_, err := f.db.Exec(`
			INSERT INTO files (path, size, mtime_ns, ino, mode, uuid, sha256, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				size = excluded.size,
				mtime_ns = excluded.mtime_ns,
				ino = excluded.ino,
				mode = excluded.mode,
				uuid = excluded.uuid,
				sha256 = excluded.sha256,
				updated_at = excluded.updated_at`,
			state.Path, state.Size, state.MtimeNs, state.Ino, state.Mode, state.UUID, state.SHA256, now)
		if err != nil {
			return nil, errdef.Persistencef("could not record file %s: %v", state.Path, err)
		}
	}
	return uploaded, nil
}

// insertStateFiles writes the membership rows for a state. target_path is
// the file's root-relative path grafted under destination.
func insertStateFiles(tx *sql.Tx, stateID int64, root, destination string, states []FileState) error {
	for _, state := range states {
		relative, err := filepath.Rel(root, state.Path)
		if err != nil {
			return errdef.Persistencef("could not relativize %s: %v", state.Path, err)
		}
		targetPath := destination + "/" + filepath.ToSlash(relative)
		_, err = tx.Exec(
			"INSERT INTO directory_state_file (state_id, uuid, target_path, target_mode) VALUES (?, ?, ?, ?)",
			stateID, state.UUID, targetPath, state.Mode)
		if err != nil {
			return errdef.Persistencef("could not insert state file %s: %v", state.Path, err)
		}
	}
	return nil
}

// getSyncedFiles returns the current members of a state joined with their
// file records, so identity and upload outputs come back together. The join
// is by uuid, so files with identical content fan out into one row per
// (member, file) pair; keying by identity collapses the fan-out back to one
// state per file.
func (f *FileCache) getSyncedFiles(stateID int64) (map[fileIdentity]FileState, error) {
	rows, err := f.db.Query(`
		SELECT files.path, files.size, files.mtime_ns, files.ino, files.mode, files.uuid, files.sha256
		FROM directory_state_file
		JOIN files ON files.uuid = directory_state_file.uuid
		WHERE directory_state_file.state_id = ?`, stateID)
	if err != nil {
		return nil, errdef.Persistencef("could not load synced files: %v", err)
	}
	defer rows.Close()

	states := make(map[fileIdentity]FileState)
	for rows.Next() {
		var state FileState
		if err := rows.Scan(&state.Path, &state.Size, &state.MtimeNs, &state.Ino, &state.Mode, &state.UUID, &state.SHA256); err != nil {
			return nil, errdef.Persistencef("could not scan synced file: %v", err)
		}
		states[state.identity()] = state
	}
	return states, rows.Err()
}

// needsRevalidation reports whether the state's members should be re-checked
// against the server. A NULL updated_at means the state predates revalidation
// tracking and always revalidates.
func (f *FileCache) needsRevalidation(stateID int64) (bool, error) {
	var raw sql.NullString
	err := f.db.QueryRow("SELECT updated_at FROM directory_state WHERE id = ?", stateID).Scan(&raw)
	if err != nil {
		return false, errdef.Persistencef("could not read directory state age: %v", err)
	}
	if !raw.Valid {
		return true, nil
	}
	updatedAt, err := parseTime(raw.String)
	if err != nil {
		return true, nil
	}
	return time.Since(updatedAt) > revalidationInterval, nil
}

// revalidateFiles asks the server whether each synced file still exists and
// re-uploads the ones it lost, fixing up the membership rows in place.
func (f *FileCache) revalidateFiles(ctx context.Context, client Client, stateID int64, synced map[fileIdentity]FileState, root, destination string) error {
	if len(synced) == 0 {
		return f.touchState(stateID)
	}

	members := make([]FileState, 0, len(synced))
	for _, state := range synced {
		members = append(members, state)
	}

	missing := make([]bool, len(members))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uploadConcurrency)
	for i, state := range members {
		i, state := i, state
		group.Go(func() error {
			exists, err := client.FileExistsByHash(groupCtx, state.SHA256)
			if err != nil {
				return err
			}
			missing[i] = !exists
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	var stale []FileState
	for i, state := range members {
		if missing[i] {
			client.ForgetFile(state.SHA256, state.UUID)
			stale = append(stale, state)
		}
	}
	if len(stale) > 0 {
		log.Info().Int("files", len(stale)).Msg("Re-uploading files evicted by the server.")
		uploaded, err := f.uploadAll(ctx, client, stale)
		if err != nil {
			return err
		}
		for _, state := range uploaded {
			relative, err := filepath.Rel(root, state.Path)
			if err != nil {
				return errdef.Persistencef("could not relativize %s: %v", state.Path, err)
			}
			targetPath := destination + "/" + filepath.ToSlash(relative)
			_, err = f.db.Exec(
				"UPDATE directory_state_file SET uuid = ? WHERE state_id = ? AND target_path = ?",
				state.UUID, stateID, targetPath)
			if err != nil {
				return errdef.Persistencef("could not fix up state file %s: %v", targetPath, err)
			}
		}
	}
	return f.touchState(stateID)
}

func (f *FileCache) touchState(stateID int64) error {
	now := time.Now().UTC().Format(timeLayout)
	if _, err := f.db.Exec("UPDATE directory_state SET updated_at = ? WHERE id = ?", now, stateID); err != nil {
		return errdef.Persistencef("could not touch directory state: %v", err)
	}
	return nil
}

// GetDirectoryState returns a synced state by ID, or nil if unknown.
func (f *FileCache) GetDirectoryState(stateID int64) (*DirectoryState, error) {
	var state DirectoryState
	var name, updatedAt sql.NullString
	err := f.db.QueryRow(
		"SELECT id, uuid, name, destination, updated_at FROM directory_state WHERE id = ?", stateID).
		Scan(&state.ID, &state.UUID, &name, &state.Destination, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errdef.Persistencef("could not load directory state: %v", err)
	}
	state.Name = name.String
	if updatedAt.Valid {
		if parsed, err := parseTime(updatedAt.String); err == nil {
			state.UpdatedAt = &parsed
		}
	}
	return &state, nil
}

// GetDirectoryStateFiles returns the instance file mappings of a state.
func (f *FileCache) GetDirectoryStateFiles(stateID int64) ([]DirectoryStateFile, error) {
	rows, err := f.db.Query(
		"SELECT uuid, target_path, target_mode FROM directory_state_file WHERE state_id = ? ORDER BY target_path", stateID)
	if err != nil {
		return nil, errdef.Persistencef("could not load directory state files: %v", err)
	}
	defer rows.Close()

	var files []DirectoryStateFile
	for rows.Next() {
		var file DirectoryStateFile
		if err := rows.Scan(&file.FileUUID, &file.TargetPath, &file.TargetMode); err != nil {
			return nil, errdef.Persistencef("could not scan directory state file: %v", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// Retain deletes file and state records older than the retention window.
// Membership rows cascade with their state.
func (f *FileCache) Retain() error {
	if f.retentionDays <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -f.retentionDays).Format(timeLayout)
	if _, err := f.db.Exec("DELETE FROM directory_state WHERE created_at < ?", cutoff); err != nil {
		return errdef.Persistencef("could not prune directory states: %v", err)
	}
	if _, err := f.db.Exec("DELETE FROM files WHERE created_at < ?", cutoff); err != nil {
		return errdef.Persistencef("could not prune file records: %v", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, errdef.Persistencef("unparseable timestamp %q", raw)
}
