// Package broker ties the remote client and the local caches together into
// the operations a coding agent drives: run commands, sync directories,
// import images, download artifacts and manage registry credentials.
package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contree-dev/contree-broker/cache"
	"github.com/contree-dev/contree-broker/contree"
	"github.com/contree-dev/contree-broker/errdef"
	"github.com/contree-dev/contree-broker/filesync"
	"github.com/contree-dev/contree-broker/registry"
)

// Broker bundles the remote client with the general and file caches. All
// state is explicit here; operations receive everything they touch through
// the receiver and their arguments.
type Broker struct {
	Client *contree.Client
	Cache  *cache.Cache
	Files  *filesync.FileCache
}

// New assembles a broker from its parts.
func New(client *contree.Client, generalCache *cache.Cache, fileCache *filesync.FileCache) *Broker {
	return &Broker{Client: client, Cache: generalCache, Files: fileCache}
}

// Close shuts down the client (cancelling incomplete operations) and both
// caches.
func (b *Broker) Close() error {
	return errors.Join(b.Client.Close(), b.Files.Close(), b.Cache.Close())
}

// RunRequest describes a command to execute in a fresh instance.
type RunRequest struct {
	Command          string
	Image            string
	Shell            bool
	Env              map[string]string
	Cwd              string
	Timeout          int
	Disposable       bool
	Stdin            string
	TruncateOutputAt int64

	// DirectoryStateID injects a previously synced tree into the instance.
	DirectoryStateID int64

	// Files maps instance paths to individually uploaded file UUIDs.
	Files map[string]string

	Wait    bool
	MaxWait time.Duration
}

// RunResult pairs the operation ID with the terminal response when the
// caller waited for it.
type RunResult struct {
	OperationID string
	Operation   *contree.OperationResponse
}

// Run executes a command in a fresh instance booted from an image. With Wait
// set it blocks until the operation completes (lineage is recorded as a side
// effect of completion); otherwise it returns as soon as the operation is
// accepted.
func (b *Broker) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Command == "" {
		return nil, errdef.InvalidArgumentf("run needs a command")
	}
	imageUUID, err := b.Client.ResolveImage(ctx, req.Image)
	if err != nil {
		return nil, err
	}

	files, err := b.instanceFiles(req.DirectoryStateID, req.Files)
	if err != nil {
		return nil, err
	}

	operationID, err := b.Client.SpawnInstance(ctx, contree.InstanceSpec{
		Command:          req.Command,
		Image:            imageUUID,
		Shell:            req.Shell,
		Env:              req.Env,
		Cwd:              req.Cwd,
		Timeout:          req.Timeout,
		Disposable:       req.Disposable,
		Stdin:            req.Stdin,
		TruncateOutputAt: req.TruncateOutputAt,
		Files:            files,
	})
	if err != nil {
		return nil, err
	}
	result := &RunResult{OperationID: operationID}
	if !req.Wait {
		return result, nil
	}
	if result.Operation, err = b.Client.WaitForOperation(ctx, operationID, req.MaxWait); err != nil {
		return nil, err
	}
	return result, nil
}

// instanceFiles merges a directory state's members with ad-hoc uploads into
// the files map of an instance spec.
func (b *Broker) instanceFiles(stateID int64, extra map[string]string) (map[string]contree.InstanceFileSpec, error) {
	if stateID == 0 && len(extra) == 0 {
		return nil, nil
	}
	files := make(map[string]contree.InstanceFileSpec)
	if stateID != 0 {
		state, err := b.Files.GetDirectoryState(stateID)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return nil, errdef.InvalidArgumentf("unknown directory state %d: sync the directory first", stateID)
		}
		members, err := b.Files.GetDirectoryStateFiles(stateID)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, errdef.InvalidArgumentf("directory state %d has no files", stateID)
		}
		for _, member := range members {
			files[member.TargetPath] = contree.InstanceFileSpec{
				UUID: member.FileUUID,
				Mode: fmt.Sprintf("0o%o", member.TargetMode&0o777),
			}
		}
	}
	for path, fileUUID := range extra {
		files[path] = contree.InstanceFileSpec{UUID: fileUUID, Mode: "0o644"}
	}
	return files, nil
}

// Rsync syncs a local directory into the file store and returns the
// directory state ID to pass to Run. Source may start with "~".
func (b *Broker) Rsync(ctx context.Context, source, destination string, excludes []string, name string) (int64, error) {
	expanded, err := expandHome(source)
	if err != nil {
		return 0, err
	}
	return b.Files.SyncDirectory(ctx, b.Client, expanded, destination, excludes, name)
}

// ImportRequest describes an image import from an OCI registry.
type ImportRequest struct {
	RegistryURL string
	Tag         string
	Timeout     int

	// AllowAnonymous permits the import to proceed without stored
	// credentials.
	AllowAnonymous bool

	Wait    bool
	MaxWait time.Duration
}

// ImportImage pulls an image from an OCI registry into the service. Stored
// credentials for the registry are validated first and dropped when stale;
// without valid credentials the import fails unless anonymous access was
// requested explicitly.
func (b *Broker) ImportImage(ctx context.Context, req ImportRequest) (*RunResult, error) {
	auth := registry.FromURL(req.RegistryURL)
	creds, err := b.registryCredentials(ctx, auth)
	if err != nil {
		return nil, err
	}
	if creds == nil && !req.AllowAnonymous {
		return nil, &errdef.RegistryAuthError{Registry: auth.Registry}
	}

	operationID, err := b.Client.ImportImage(ctx, registry.NormalizeURL(req.RegistryURL), req.Tag, creds, req.Timeout)
	if err != nil {
		return nil, err
	}
	result := &RunResult{OperationID: operationID}
	if !req.Wait {
		return result, nil
	}
	if result.Operation, err = b.Client.WaitForOperation(ctx, operationID, req.MaxWait); err != nil {
		return nil, err
	}
	return result, nil
}

// registryCredentials loads and revalidates the stored token for a registry.
// A token the registry no longer accepts is deleted.
func (b *Broker) registryCredentials(ctx context.Context, auth *registry.Auth) (*contree.RegistryCredentials, error) {
	entry, err := b.Cache.Get(registry.TokenKind, auth.Registry, 0)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	var token registry.Token
	if err := entry.Decode(&token); err != nil {
		return nil, err
	}

	valid, err := auth.ValidateToken(ctx, token.Username, token.Token)
	if err != nil {
		return nil, err
	}
	if !valid {
		log.Info().Str("registry", auth.Registry).Msg("Dropping stale registry token.")
		if _, err := b.Cache.Delete(registry.TokenKind, auth.Registry); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &contree.RegistryCredentials{Username: token.Username, Password: token.Token}, nil
}

// RegistryAuth validates a username/token pair against a registry and stores
// it for later imports.
func (b *Broker) RegistryAuth(ctx context.Context, registryURL, username, token string) (string, error) {
	auth := registry.FromURL(registryURL)
	valid, err := auth.ValidateToken(ctx, username, token)
	if err != nil {
		return auth.Registry, err
	}
	if !valid {
		return auth.Registry, errdef.InvalidArgumentf(
			"invalid credentials for %q: verify the username and access token", auth.Registry)
	}
	_, err = b.Cache.Put(registry.TokenKind, auth.Registry, registry.Token{
		Registry:  auth.Registry,
		Username:  username,
		Token:     token,
		Scopes:    []string{"pull"},
		CreatedAt: time.Now().UTC(),
	}, nil)
	if err != nil {
		return auth.Registry, err
	}
	log.Info().Str("registry", auth.Registry).Str("username", username).Msg("Stored registry token.")
	return auth.Registry, nil
}

// Download copies a file out of an image snapshot to a local path.
func (b *Broker) Download(ctx context.Context, image, path, destination string, executable bool) (int64, error) {
	expanded, err := expandHome(destination)
	if err != nil {
		return 0, err
	}
	return b.Client.DownloadToFile(ctx, image, path, expanded, executable)
}

// Upload pushes a single local file and returns its remote reference.
func (b *Broker) Upload(ctx context.Context, path string) (contree.FileRef, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return contree.FileRef{}, err
	}
	file, err := os.Open(expanded)
	if err != nil {
		return contree.FileRef{}, errdef.InvalidArgumentf("cannot upload %q: %v", path, err)
	}
	defer file.Close()
	return b.Client.UploadFile(ctx, file)
}

// SetTag points a tag at an image, displacing any previous target.
func (b *Broker) SetTag(ctx context.Context, image, tag string) (contree.Image, error) {
	imageUUID, err := b.Client.ResolveImage(ctx, image)
	if err != nil {
		return contree.Image{}, err
	}
	return b.Client.TagImage(ctx, imageUUID, tag)
}

// LineageNode is one ancestor in an image's recorded history.
type LineageNode struct {
	Image   string               `json:"image"`
	Lineage contree.ImageLineage `json:"lineage"`
}

// Lineage returns an image's recorded ancestors, nearest first.
func (b *Broker) Lineage(ctx context.Context, image string, limit int) ([]LineageNode, error) {
	imageUUID, err := b.Client.ResolveImage(ctx, image)
	if err != nil {
		return nil, err
	}
	entries, err := b.Client.ImageAncestry(imageUUID, limit)
	if err != nil {
		return nil, err
	}
	nodes := make([]LineageNode, 0, len(entries))
	for _, entry := range entries {
		var lineage contree.ImageLineage
		if err := entry.Decode(&lineage); err != nil {
			return nil, err
		}
		nodes = append(nodes, LineageNode{Image: entry.Key, Lineage: lineage})
	}
	return nodes, nil
}

// expandHome resolves a leading "~" against the current user's home
// directory and cleans the result.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errdef.InvalidArgumentf("cannot expand %q: %v", path, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}
