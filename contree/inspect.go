package contree

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/contree-dev/contree-broker/errdef"
)

// tagPrefixCutset holds the separators stripped from the end of a tag prefix
// filter, so "python:" matches everything tagged python:<anything>.
const tagPrefixCutset = ":/."

// ListImagesOptions filter an image listing. Zero values mean "no filter"
// (Limit defaults to 100).
type ListImagesOptions struct {
	Limit     int
	Offset    int
	Tagged    *bool
	TagPrefix string
	Since     string
	Until     string
}

// ListImages returns images known to the service, newest first.
func (c *Client) ListImages(ctx context.Context, opts ListImagesOptions) ([]Image, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	query := url.Values{
		"limit":  {strconv.Itoa(opts.Limit)},
		"offset": {strconv.Itoa(opts.Offset)},
	}
	if opts.Tagged != nil {
		if *opts.Tagged {
			query.Set("tagged", "1")
		} else {
			query.Set("tagged", "0")
		}
	}
	if opts.TagPrefix != "" {
		query.Set("tag", strings.TrimRight(opts.TagPrefix, tagPrefixCutset))
	}
	if opts.Since != "" {
		query.Set("since", opts.Since)
	}
	if opts.Until != "" {
		query.Set("until", opts.Until)
	}

	var response imageListResponse
	if _, err := c.doJSON(ctx, http.MethodGet, "/images", requestOptions{query: query}, &response); err != nil {
		return nil, err
	}
	return response.Images, nil
}

// GetImage fetches a single image by UUID.
func (c *Client) GetImage(ctx context.Context, imageUUID string) (Image, error) {
	var image Image
	_, err := c.doJSON(ctx, http.MethodGet, "/inspect/"+url.PathEscape(imageUUID)+"/",
		requestOptions{}, &image)
	return image, err
}

// GetImageByTag resolves a tag to the image it currently points at.
func (c *Client) GetImageByTag(ctx context.Context, tag string) (Image, error) {
	var image Image
	_, err := c.doJSON(ctx, http.MethodGet, "/inspect/",
		requestOptions{query: url.Values{"tag": {tag}}}, &image)
	return image, err
}

// TagImage points tag at the image, displacing any previous target.
func (c *Client) TagImage(ctx context.Context, imageUUID, tag string) (Image, error) {
	var image Image
	_, err := c.doJSON(ctx, http.MethodPatch, "/images/"+url.PathEscape(imageUUID)+"/tag",
		requestOptions{jsonBody: map[string]string{"tag": tag}}, &image)
	return image, err
}

// UntagImage removes the image's tag.
func (c *Client) UntagImage(ctx context.Context, imageUUID string) (Image, error) {
	var image Image
	_, err := c.doJSON(ctx, http.MethodDelete, "/images/"+url.PathEscape(imageUUID)+"/tag",
		requestOptions{}, &image)
	return image, err
}

// ListDirectory lists a directory inside an image snapshot. Snapshots are
// immutable, so the result is cached forever under image:path.
func (c *Client) ListDirectory(ctx context.Context, imageUUID, path string) (DirectoryList, error) {
	cacheKey := imageUUID + ":" + path
	entry, err := c.cache.Get(kindListDir, cacheKey, 0)
	if err != nil {
		return DirectoryList{}, err
	}
	if entry != nil {
		var listing DirectoryList
		if err := entry.Decode(&listing); err != nil {
			return DirectoryList{}, err
		}
		return listing, nil
	}

	var listing DirectoryList
	_, err = c.doJSON(ctx, http.MethodGet, "/inspect/"+url.PathEscape(imageUUID)+"/list",
		requestOptions{query: url.Values{"path": {normalizeImagePath(path)}}}, &listing)
	if err != nil {
		return DirectoryList{}, err
	}
	c.cachePut(kindListDir, cacheKey, listing)
	return listing, nil
}

type textPayload struct {
	Text string `json:"text"`
}

// ListDirectoryText returns the human-readable (ls-style) directory listing.
func (c *Client) ListDirectoryText(ctx context.Context, imageUUID, path string) (string, error) {
	cacheKey := imageUUID + ":" + path + ":text"
	entry, err := c.cache.Get(kindListDirText, cacheKey, 0)
	if err != nil {
		return "", err
	}
	if entry != nil {
		var payload textPayload
		if err := entry.Decode(&payload); err != nil {
			return "", err
		}
		return payload.Text, nil
	}

	query := url.Values{"path": {normalizeImagePath(path)}, "text": {""}}
	response, err := c.do(ctx, http.MethodGet, "/inspect/"+url.PathEscape(imageUUID)+"/list",
		requestOptions{query: query})
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return "", errdef.Protocolf("could not read directory listing: %v", err)
	}
	text := string(raw)
	c.cachePut(kindListDirText, cacheKey, textPayload{Text: text})
	return text, nil
}

type contentPayload struct {
	Content string `json:"content"`
}

// ReadFile returns the content of a file inside an image snapshot, cached
// forever (base64 in the cache payload).
func (c *Client) ReadFile(ctx context.Context, imageUUID, path string) ([]byte, error) {
	cacheKey := imageUUID + ":" + path
	entry, err := c.cache.Get(kindReadFile, cacheKey, 0)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		var payload contentPayload
		if err := entry.Decode(&payload); err != nil {
			return nil, err
		}
		return Base64Decode(payload.Content)
	}

	body, err := c.StreamFile(ctx, imageUUID, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	content, err := io.ReadAll(body)
	if err != nil {
		return nil, errdef.Protocolf("could not read file content: %v", err)
	}
	c.cachePut(kindReadFile, cacheKey, contentPayload{Content: Base64Encode(content)})
	return content, nil
}

// FileExists reports whether a path exists inside an image snapshot.
func (c *Client) FileExists(ctx context.Context, imageUUID, path string) (bool, error) {
	cacheKey := imageUUID + ":" + path
	entry, err := c.cache.Get(kindFileExists, cacheKey, 0)
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

	query := url.Values{"path": {normalizeImagePath(path)}}
	status, err := c.head(ctx, "/inspect/"+url.PathEscape(imageUUID)+"/download", query)
	exists := err == nil && status == http.StatusOK
	c.cachePut(kindFileExists, cacheKey, existsPayload{Exists: exists})
	return exists, nil
}

// StreamFile opens a streaming read of a file inside an image snapshot. The
// caller owns the returned body. Nothing is cached: this is the path for
// content too large for the payload-bounded cache.
func (c *Client) StreamFile(ctx context.Context, imageUUID, path string) (io.ReadCloser, error) {
	query := url.Values{"path": {normalizeImagePath(path)}}
	response, err := c.do(ctx, http.MethodGet, "/inspect/"+url.PathEscape(imageUUID)+"/download",
		requestOptions{query: query})
	if err != nil {
		return nil, err
	}
	return response.Body, nil
}

// ResolveImage turns an image reference into an image UUID. Accepted forms
// are a bare UUID and "tag:<name>" (possibly URL-escaped).
func (c *Client) ResolveImage(ctx context.Context, image string) (string, error) {
	unescaped, err := url.QueryUnescape(image)
	if err != nil {
		unescaped = image
	}
	if name, ok := strings.CutPrefix(unescaped, "tag:"); ok {
		resolved, err := c.GetImageByTag(ctx, name)
		if err != nil {
			return "", err
		}
		return resolved.UUID, nil
	}
	if _, err := uuid.Parse(unescaped); err != nil {
		return "", errdef.InvalidArgumentf("invalid image reference %q: use an image UUID or tag:<name>", image)
	}
	return unescaped, nil
}

func normalizeImagePath(path string) string {
	return "/" + strings.TrimLeft(path, "/")
}
