package contree

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/contree-dev/contree-broker/errdef"
)

type existsPayload struct {
	Exists bool `json:"exists"`
}

// UploadFile uploads content to the service's content-addressed file store.
// Content already known to the server (by SHA-256) is never re-sent.
func (c *Client) UploadFile(ctx context.Context, content io.Reader) (FileRef, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return FileRef{}, errdef.Persistencef("could not read upload content: %v", err)
	}
	digest := SHA256Hash(data)

	existing, err := c.GetFileByHash(ctx, digest)
	if err != nil {
		return FileRef{}, err
	}
	if existing != nil {
		log.Debug().
			Str("uuid", existing.UUID).
			Str("sha256", digest[:16]).
			Msg("File content already uploaded, skipping.")
		return *existing, nil
	}

	var ref FileRef
	_, err = c.doJSON(ctx, http.MethodPost, "/files",
		requestOptions{rawBody: data, contentType: "application/octet-stream"}, &ref)
	if err != nil {
		return FileRef{}, err
	}
	c.cachePut(kindFileByHash, digest, ref)
	log.Debug().Str("uuid", ref.UUID).Int("size", len(data)).Msg("Uploaded file.")
	return ref, nil
}

// GetFileByHash looks up a file by content hash, returning nil when the
// server does not know the hash. Both outcomes are cached, the negative one
// as a not-found marker so repeated misses stay local.
func (c *Client) GetFileByHash(ctx context.Context, sha256 string) (*FileRef, error) {
	entry, err := c.cache.Get(kindFileByHash, sha256, 0)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		var ref FileRef
		if err := entry.Decode(&ref); err != nil {
			return nil, err
		}
		if ref.NotFound {
			return nil, nil
		}
		return &ref, nil
	}

	var ref FileRef
	query := url.Values{"sha256": {sha256}}
	if _, err := c.doJSON(ctx, http.MethodGet, "/files", requestOptions{query: query}, &ref); err != nil {
		if errdef.IsNotFound(err) {
			c.cachePut(kindFileByHash, sha256, FileRef{NotFound: true})
			return nil, nil
		}
		return nil, err
	}
	c.cachePut(kindFileByHash, sha256, ref)
	return &ref, nil
}

// CheckFileExists reports whether a previously uploaded file still exists,
// reading through a persistent cache keyed by the file UUID.
func (c *Client) CheckFileExists(ctx context.Context, fileUUID string) (bool, error) {
	entry, err := c.cache.Get(kindFileExistsByUUID, fileUUID, 0)
	if err != nil {
		return false, err
	}
	if entry != nil {
		var payload existsPayload
		if err := entry.Decode(&payload); err != nil {
			return false, err
		}
		return payload.Exists, nil
	}

	status, err := c.head(ctx, "/files", url.Values{"uuid": {fileUUID}})
	exists := err == nil && status == http.StatusOK
	c.cachePut(kindFileExistsByUUID, fileUUID, existsPayload{Exists: exists})
	return exists, nil
}

// FileExistsByHash asks the server directly whether it holds content with the
// given hash. No caching: this is the revalidation probe, and a cached answer
// would defeat its purpose.
func (c *Client) FileExistsByHash(ctx context.Context, sha256 string) (bool, error) {
	status, err := c.head(ctx, "/files", url.Values{"sha256": {sha256}})
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// ForgetFile drops the cached knowledge of a file so the next lookup asks the
// server again. Either argument may be empty.
func (c *Client) ForgetFile(sha256, fileUUID string) {
	if sha256 != "" {
		if _, err := c.cache.Delete(kindFileByHash, sha256); err != nil {
			log.Warn().Err(err).Str("sha256", sha256).Msg("Could not evict file hash entry.")
		}
	}
	if fileUUID != "" {
		if _, err := c.cache.Delete(kindFileExistsByUUID, fileUUID); err != nil {
			log.Warn().Err(err).Str("uuid", fileUUID).Msg("Could not evict file existence entry.")
		}
	}
}

// cachePut stores a cache payload, logging instead of failing: the cache is
// an accelerator and a write failure must not break the operation it
// accelerates.
func (c *Client) cachePut(kind, key string, data any) {
	if _, err := c.cache.Put(kind, key, data, nil); err != nil {
		log.Warn().Err(err).Str("kind", kind).Str("key", key).Msg("Could not write cache entry.")
	}
}
