// Package writer persists message part payloads to disk.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// DefaultChunkSize is the copy buffer size used when none is configured.
const DefaultChunkSize = 1024

// ErrCreateConflict reports that the destination appeared between the name
// check and the create. It wraps fs.ErrExist.
var ErrCreateConflict = fmt.Errorf("destination already exists: %w", fs.ErrExist)

// Writer streams payloads into newly created files.
type Writer struct {
	ChunkSize int
}

// New returns a Writer copying in chunks of chunkSize bytes.
func New(chunkSize int) *Writer {
	return &Writer{ChunkSize: chunkSize}
}

// Write creates path exclusively and copies r into it until EOF. The file is
// synced before Write returns. A partially written file is left in place on
// error.
func (w *Writer) Write(ctx context.Context, r io.Reader, path string) (int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, fmt.Errorf("create %s: %w", path, ErrCreateConflict)
		}
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	written, copyErr := w.copy(ctx, file, r)
	if copyErr == nil {
		if err := file.Sync(); err != nil {
			copyErr = fmt.Errorf("sync %s: %w", path, err)
		}
	}
	if err := file.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("close %s: %w", path, err)
	}
	return written, copyErr
}

func (w *Writer) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	size := w.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			m, err := dst.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, fmt.Errorf("write payload: %w", err)
			}
			if m != n {
				return written, fmt.Errorf("write payload: %w", io.ErrShortWrite)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read payload: %w", readErr)
		}
	}
}

// SetModTime sets the last-modified time of path, leaving the access time
// unchanged.
func SetModTime(path string, t time.Time) error {
	if err := os.Chtimes(path, time.Time{}, t); err != nil {
		return fmt.Errorf("set modification time on %s: %w", path, err)
	}
	return nil
}
