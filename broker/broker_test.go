package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contree-dev/contree-broker/cache"
	"github.com/contree-dev/contree-broker/contree"
	"github.com/contree-dev/contree-broker/errdef"
	"github.com/contree-dev/contree-broker/filesync"
)

// fakeService simulates enough of the remote API for end-to-end broker
// tests: a content-addressed file store plus instances that immediately
// succeed.
type fakeService struct {
	mu        sync.Mutex
	mux       *http.ServeMux
	filePosts int
	// files maps sha256 to file uuid; specs records the files injected into
	// each spawned operation
	files map[string]string
	specs map[string]map[string]contree.InstanceFileSpec
}

func newFakeService() *fakeService {
	s := &fakeService{
		mux:   http.NewServeMux(),
		files: make(map[string]string),
		specs: make(map[string]map[string]contree.InstanceFileSpec),
	}

	s.mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			digest := contree.SHA256Hash(body)
			s.filePosts++
			fileUUID := "file-" + digest[:12]
			s.files[digest] = fileUUID
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(contree.FileRef{UUID: fileUUID, SHA256: digest})
		default:
			if fileUUID, ok := s.files[r.URL.Query().Get("sha256")]; ok {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(contree.FileRef{UUID: fileUUID, SHA256: r.URL.Query().Get("sha256")})
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}
	})

	s.mux.HandleFunc("/v1/instances", func(w http.ResponseWriter, r *http.Request) {
		var spec contree.InstanceSpec
		json.NewDecoder(r.Body).Decode(&spec)
		s.mu.Lock()
		operationID := "op-" + spec.Image[:8]
		s.specs[operationID] = spec.Files
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"uuid": operationID})
	})

	s.mux.HandleFunc("/v1/operations/", func(w http.ResponseWriter, r *http.Request) {
		operationID := filepath.Base(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(contree.OperationResponse{
			UUID:   operationID,
			Kind:   contree.KindInstance,
			Status: contree.StatusSuccess,
			Result: &contree.OperationResult{Image: "99999999-0000-0000-0000-000000000000", Stdout: "ok\n"},
		})
	})

	return s
}

func (s *fakeService) postCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filePosts
}

func (s *fakeService) injectedFiles(operationID string) map[string]contree.InstanceFileSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[operationID]
}

func testBroker(t *testing.T, service *fakeService) *Broker {
	t.Helper()
	server := httptest.NewServer(service.mux)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	generalCache, err := cache.Open(filepath.Join(dir, "cache.db"), 120)
	require.NoError(t, err)
	fileCache, err := filesync.Open(filepath.Join(dir, "files.db"), 60)
	require.NoError(t, err)

	client := contree.NewClient(server.URL, "test-token", generalCache,
		contree.WithPollInterval(5*time.Millisecond),
		contree.WithRetry(5*time.Millisecond, 3))
	b := New(client, generalCache, fileCache)
	t.Cleanup(func() { b.Close() })
	return b
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func TestRsyncThenRun(t *testing.T) {
	t.Parallel()
	service := newFakeService()
	b := testBroker(t, service)
	ctx := context.Background()
	root := writeTree(t, map[string]string{"main.py": "print('hi')", "pkg/util.py": "pass"})

	stateID, err := b.Rsync(ctx, root, "/root/app", nil, "app")
	require.NoError(t, err)
	assert.Equal(t, 2, service.postCount())

	result, err := b.Run(ctx, RunRequest{
		Command:          "python main.py",
		Image:            "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		Shell:            true,
		DirectoryStateID: stateID,
		Wait:             true,
		MaxWait:          5 * time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Operation)
	assert.Equal(t, contree.StatusSuccess, result.Operation.Status)

	injected := service.injectedFiles(result.OperationID)
	require.Len(t, injected, 2)
	require.Contains(t, injected, "/root/app/main.py")
	assert.Equal(t, "0o644", injected["/root/app/main.py"].Mode)
	assert.NotEmpty(t, injected["/root/app/main.py"].UUID)

	// a second sync of the unchanged tree uploads nothing
	again, err := b.Rsync(ctx, root, "/root/app", nil, "app")
	require.NoError(t, err)
	assert.Equal(t, stateID, again)
	assert.Equal(t, 2, service.postCount())
}

func TestRunRejectsUnknownDirectoryState(t *testing.T) {
	t.Parallel()
	b := testBroker(t, newFakeService())

	_, err := b.Run(context.Background(), RunRequest{
		Command:          "true",
		Image:            "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		DirectoryStateID: 12345,
	})
	assert.True(t, errdef.IsInvalidArgument(err), "unknown state must be rejected, got %v", err)
}

func TestRunMergesAdHocFiles(t *testing.T) {
	t.Parallel()
	service := newFakeService()
	b := testBroker(t, service)

	result, err := b.Run(context.Background(), RunRequest{
		Command: "sh /tmp/setup.sh",
		Image:   "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		Files:   map[string]string{"/tmp/setup.sh": "file-abc123"},
		Wait:    true,
		MaxWait: 5 * time.Second,
	})
	require.NoError(t, err)

	injected := service.injectedFiles(result.OperationID)
	require.Contains(t, injected, "/tmp/setup.sh")
	assert.Equal(t, "file-abc123", injected["/tmp/setup.sh"].UUID)
}

func TestImportRequiresCredentials(t *testing.T) {
	t.Parallel()
	b := testBroker(t, newFakeService())

	_, err := b.ImportImage(context.Background(), ImportRequest{
		RegistryURL: "docker://ghcr.io/owner/image",
	})
	var authErr *errdef.RegistryAuthError
	require.True(t, errors.As(err, &authErr), "import without credentials must fail, got %v", err)
	assert.Equal(t, "ghcr.io", authErr.Registry)
}

func TestUploadMissingFile(t *testing.T) {
	t.Parallel()
	b := testBroker(t, newFakeService())

	_, err := b.Upload(context.Background(), filepath.Join(t.TempDir(), "nope.txt"))
	assert.True(t, errdef.IsInvalidArgument(err))
}

func TestExpandHome(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expanded, err := expandHome("~/project")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "project"), expanded)

	expanded, err = expandHome("/absolute/path")
	require.NoError(t, err)
	assert.Equal(t, "/absolute/path", expanded)

	// "~user" is not expanded, only the current user's home
	expanded, err = expandHome("~other/project")
	require.NoError(t, err)
	assert.Equal(t, "~other/project", expanded)
}
