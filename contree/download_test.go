package contree

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenReader yields some data, then fails mid-stream.
type brokenReader struct {
	data []byte
	read bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset")
}

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	destination := filepath.Join(dir, "artifact.bin")
	content := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // spans many chunks

	written, err := atomicWriteFile(destination, bytes.NewReader(content), defaultChunkSize)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), written)

	got, err := os.ReadFile(destination)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assertNoTempFiles(t, dir)
}

func TestAtomicWriteFilePreservesDestinationOnFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	destination := filepath.Join(dir, "artifact.bin")
	require.NoError(t, os.WriteFile(destination, []byte("previous version"), 0644))

	_, err := atomicWriteFile(destination, &brokenReader{data: []byte("partial new data")}, defaultChunkSize)
	require.Error(t, err)

	got, err := os.ReadFile(destination)
	require.NoError(t, err)
	assert.Equal(t, []byte("previous version"), got, "a failed download must not touch the destination")
	assertNoTempFiles(t, dir)
}

func TestAtomicWriteFileLeavesNothingWithoutDestination(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	destination := filepath.Join(dir, "artifact.bin")

	_, err := atomicWriteFile(destination, &brokenReader{data: []byte("partial")}, defaultChunkSize)
	require.Error(t, err)

	_, statErr := os.Stat(destination)
	assert.True(t, os.IsNotExist(statErr), "no destination file may appear on failure")
	assertNoTempFiles(t, dir)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	leftovers, err := filepath.Glob(filepath.Join(dir, ".download-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporary files must never survive")
}

func TestDownloadToFile(t *testing.T) {
	t.Parallel()
	content := bytes.Repeat([]byte("wheel-data"), 4096)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/inspect/aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee/download",
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/dist/pkg.whl", r.URL.Query().Get("path"))
			w.Write(content)
		})
	client, _ := testClient(t, mux)

	destination := filepath.Join(t.TempDir(), "nested", "pkg.whl")
	written, err := client.DownloadToFile(context.Background(),
		"aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", "dist/pkg.whl", destination, true)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), written)

	info, err := os.Stat(destination)
	require.NoError(t, err)
	assert.EqualValues(t, 0755, info.Mode().Perm(), "executable flag must chmod the result")

	got, err := os.ReadFile(destination)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadToFileRejectsRelativeDestination(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t, http.NewServeMux())
	_, err := client.DownloadToFile(context.Background(),
		"aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", "/etc/hosts", "relative/path", false)
	require.Error(t, err)
}

func TestSHA256HashStream(t *testing.T) {
	t.Parallel()
	data := []byte("some content")
	streamed, err := SHA256HashStream(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, SHA256Hash(data), streamed)

	var _ io.Reader = &brokenReader{}
	_, err = SHA256HashStream(&brokenReader{data: data})
	assert.Error(t, err)
}
