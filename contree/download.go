package contree

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contree-dev/contree-broker/errdef"
)

const (
	// writerQueueDepth bounds how far the network read may run ahead of the
	// disk write.
	writerQueueDepth = 16

	// writerStallTimeout is how long a send to the writer blocks before
	// re-checking whether the writer is still alive.
	writerStallTimeout = time.Second
)

// DownloadToFile streams a file out of an image snapshot to destination,
// which must be an absolute path. The write is atomic: content goes to a
// temporary file in the destination directory and is renamed into place only
// after the whole stream arrived. On any failure the destination is left
// exactly as it was. Returns the number of bytes written.
func (c *Client) DownloadToFile(ctx context.Context, image, path, destination string, executable bool) (int64, error) {
	if !filepath.IsAbs(destination) {
		return 0, errdef.InvalidArgumentf("destination must be an absolute path, got %q", destination)
	}
	imageUUID, err := c.ResolveImage(ctx, image)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return 0, errdef.Persistencef("could not create destination directory: %v", err)
	}

	body, err := c.StreamFile(ctx, imageUUID, path)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	written, err := atomicWriteFile(destination, body, defaultChunkSize)
	if err != nil {
		return 0, err
	}
	if executable {
		if err := os.Chmod(destination, 0755); err != nil {
			return written, errdef.Persistencef("could not mark %s executable: %v", destination, err)
		}
	}
	log.Info().
		Str("image", imageUUID).
		Str("path", path).
		Str("destination", destination).
		Int64("size", written).
		Msg("Downloaded file.")
	return written, nil
}

// atomicWriteFile pumps src into a temporary sibling of destination through a
// bounded queue drained by a dedicated writer goroutine, then renames the
// temporary file into place. Failures remove the temporary file and never
// touch the destination.
func atomicWriteFile(destination string, src io.Reader, chunkSize int) (int64, error) {
	dir := filepath.Dir(destination)
	tmp, err := os.CreateTemp(dir, ".download-*.tmp")
	if err != nil {
		return 0, errdef.Persistencef("could not create temporary file in %s: %v", dir, err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	queue := make(chan []byte, writerQueueDepth)
	writerDone := make(chan struct{})
	var written int64
	var writeErr error

	go func() {
		defer close(writerDone)
		for chunk := range queue {
			if writeErr != nil {
				continue // drain so the producer never blocks forever
			}
			n, err := tmp.Write(chunk)
			written += int64(n)
			if err != nil {
				writeErr = err
			}
		}
	}()

	// send hands a chunk to the writer, waking up periodically so a dead
	// writer cannot wedge the producer.
	send := func(chunk []byte) bool {
		for {
			select {
			case queue <- chunk:
				return true
			case <-writerDone:
				return false
			case <-time.After(writerStallTimeout):
			}
		}
	}

	var readErr error
	buffer := make([]byte, chunkSize)
	for {
		n, err := src.Read(buffer)
		if n > 0 {
			chunk := append([]byte(nil), buffer[:n]...)
			if !send(chunk) {
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}
	close(queue)
	<-writerDone

	if readErr != nil {
		discard()
		return 0, errdef.Protocolf("download stream failed: %v", readErr)
	}
	if writeErr != nil {
		discard()
		return 0, errdef.Persistencef("could not write %s: %v", destination, writeErr)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return 0, errdef.Persistencef("could not sync %s: %v", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, errdef.Persistencef("could not close %s: %v", tmpPath, err)
	}
	if err := os.Rename(tmpPath, destination); err != nil {
		os.Remove(tmpPath)
		return 0, errdef.Persistencef("could not move download into place: %v", err)
	}
	return written, nil
}
