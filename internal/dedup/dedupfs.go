package dedup

import (
	"bytes"
	"io"

	"github.com/bamsammich/parpack/internal/posix"
)

// IndexDirName is the name of the data index directory under a
// deduplicating filesystem root.
const IndexDirName = "DATA-INDEX"

// FS is a deduplicating filesystem: a POSIX filesystem whose regular-file
// writes are routed through the data index and materialized as hard links
// to index chunks. Reads need no special handling, since consumer-tree
// files are ordinary hard-linked regular files. Discarding the index and
// starting over is supported in that Get recreates the index root and new
// writes store fresh chunks; files already in consumer trees keep their
// bytes but are not linked back into the new index.
type FS struct {
	posix.FileSystem
	ix *Index
}

// Compile-time interface check.
var _ posix.FileSystem = (*FS)(nil)

// NewFS wraps base so file content is stored through ix.
func NewFS(base posix.FileSystem, ix *Index) *FS {
	return &FS{FileSystem: base, ix: ix}
}

// Index returns the underlying data index.
func (d *FS) Index() *Index { return d.ix }

// OpenWrite buffers the file's content and, on Close, stores it as a
// single chunk in the index and hard-links the chunk to path. Zero-length
// files bypass the index, which never holds empty chunks.
func (d *FS) OpenWrite(path string, mode uint32) (io.WriteCloser, error) {
	return &dedupWriter{fs: d, path: path, mode: mode}, nil
}

type dedupWriter struct {
	fs   *FS
	path string
	mode uint32
	buf  bytes.Buffer
}

func (w *dedupWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *dedupWriter) Close() error {
	content := w.buf.Bytes()
	if len(content) == 0 {
		f, err := w.fs.FileSystem.OpenWrite(w.path, w.mode)
		if err != nil {
			return err
		}
		return f.Close()
	}
	chunkPath, err := w.fs.ix.InsertRaw(content)
	if err != nil {
		return err
	}
	return w.fs.ix.Link(chunkPath, w.path)
}
