package pack

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/bamsammich/parpack/internal/event"
	"github.com/bamsammich/parpack/internal/posix"
	"github.com/bamsammich/parpack/internal/stats"
)

// PackOptions controls a pack run.
type PackOptions struct {
	// Compress wraps everything after the stream header through gzip.
	Compress bool
	// Verbose, when non-nil, receives the archive-relative path of each
	// entry as it is packed. Emission blocks when the queue is full.
	Verbose *event.Printer
	// Stats, when non-nil, accumulates counters.
	Stats *stats.Collector
}

// linkAndCount tracks an assigned link id and the number of remaining
// references expected for a (device, inode) pair.
type linkAndCount struct {
	linkID    uint64
	linkCount int
}

// walkerAndSlot pairs a source-tree walker with its compressed-UTF slot.
type walkerAndSlot struct {
	w         *walker
	slot      int
	startPath string
}

// Pack walks the source directories in a merge-sorted interleaving and
// writes a single archive stream to out. The stream is flushed before
// returning; out itself is not closed.
func Pack(ctx context.Context, fs posix.FileSystem, directories []string, out io.Writer, opts PackOptions) error {
	if len(directories) == 0 {
		return fmt.Errorf("no directories to pack")
	}
	st := opts.Stats
	if st == nil {
		st = stats.NewCollector()
	}

	// The set of next entries is kept in key order so the globally next
	// path across all sources is always the minimum under Compare,
	// tie-broken by insertion order within a key.
	nextFiles := make(map[string][]*walkerAndSlot, len(directories))
	var keys orderedKeys

	nextSlot := 0
	for _, dir := range directories {
		stat, err := fs.Stat(dir)
		if err != nil {
			return err
		}
		if !stat.Exists {
			return fmt.Errorf("Directory not found: %s", dir)
		}
		if !stat.IsDirectory() {
			return fmt.Errorf("Not a directory: %s", dir)
		}
		startPath := filepath.Clean(dir)
		ws := &walkerAndSlot{w: newWalker(fs, startPath), slot: nextSlot, startPath: startPath}
		nextSlot++
		if nextSlot > 62 {
			nextSlot = 0
		}
		relPath, err := ws.w.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		if len(nextFiles[relPath]) == 0 {
			keys.insert(relPath)
		}
		nextFiles[relPath] = append(nextFiles[relPath], ws)
	}

	sw := NewStreamWriter(out)

	// Header, version, compression flag are always uncompressed.
	if _, err := sw.Write([]byte(Header)); err != nil {
		return err
	}
	if err := sw.Int32(Version); err != nil {
		return err
	}
	if err := sw.Bool(opts.Compress); err != nil {
		return err
	}

	var gz *gzip.Writer
	if opts.Compress {
		if err := sw.Flush(); err != nil {
			return err
		}
		gz = gzip.NewWriter(out)
		sw = NewStreamWriter(gz)
	}

	// Hard link management: linkID 0 is reserved for "no link".
	nextLinkID := uint64(1)
	deviceInodeMap := make(map[uint64]map[uint64]*linkAndCount)

	buf := make([]byte, BufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("interrupted: %w", err)
		}
		relPath, ok := keys.min()
		if !ok {
			break
		}
		list := nextFiles[relPath]
		delete(nextFiles, relPath)
		keys.remove(relPath)
		for _, ws := range list {
			fullPath := ws.startPath + relPath

			// The pack path is the final component of the start path,
			// rooted with a leading slash, plus the relative path.
			var packPath string
			lastSlash := strings.LastIndexByte(ws.startPath, '/')
			if lastSlash == -1 {
				packPath = "/" + ws.startPath + relPath
			} else {
				packPath = ws.startPath[lastSlash:] + relPath
			}

			if opts.Verbose != nil {
				if err := opts.Verbose.Emit(ctx, event.Event{Type: event.EntryPacked, Path: packPath}); err != nil {
					return fmt.Errorf("interrupted: %w", err)
				}
			}

			stat, err := fs.Stat(fullPath)
			if err != nil {
				return err
			}
			if !stat.Exists {
				return fmt.Errorf("lstat %s: no such file or directory", fullPath)
			}
			if err := writeEntry(fs, sw, fullPath, packPath, stat, ws.slot,
				&nextLinkID, deviceInodeMap, buf, st); err != nil {
				return err
			}

			// Advance this source and reinsert it at its next key.
			newRelPath, err := ws.w.Next()
			if err == io.EOF {
				continue
			}
			if err != nil {
				return err
			}
			if len(nextFiles[newRelPath]) == 0 {
				keys.insert(newRelPath)
			}
			nextFiles[newRelPath] = append(nextFiles[newRelPath], ws)
		}
	}

	if err := sw.Byte(End); err != nil {
		return err
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(
	fs posix.FileSystem,
	sw *StreamWriter,
	fullPath, packPath string,
	stat posix.Stat,
	slot int,
	nextLinkID *uint64,
	deviceInodeMap map[uint64]map[uint64]*linkAndCount,
	buf []byte,
	st *stats.Collector,
) error {
	switch {
	case stat.IsRegular():
		if err := sw.Byte(RegularFile); err != nil {
			return err
		}
		if err := sw.CompressedUTF(packPath, slot); err != nil {
			return err
		}
		numLinks := int(stat.Nlink)
		switch {
		case numLinks == 1:
			if err := sw.Int64(0); err != nil {
				return err
			}
			if err := writeMeta(sw, stat); err != nil {
				return err
			}
			if err := writeFile(fs, sw, fullPath, buf, st); err != nil {
				return err
			}
		case numLinks > 1:
			inodeMap := deviceInodeMap[stat.Dev]
			if inodeMap == nil {
				inodeMap = make(map[uint64]*linkAndCount)
				deviceInodeMap[stat.Dev] = inodeMap
			}
			if lc := inodeMap[stat.Ino]; lc != nil {
				// Already sent: reference by link id and decrement.
				if err := sw.Int64(int64(lc.linkID)); err != nil {
					return err
				}
				lc.linkCount--
				if lc.linkCount <= 0 {
					delete(inodeMap, stat.Ino)
				}
				st.AddHardLinks(1)
			} else {
				linkID := *nextLinkID
				*nextLinkID++
				if err := sw.Int64(int64(linkID)); err != nil {
					return err
				}
				if err := writeMeta(sw, stat); err != nil {
					return err
				}
				if err := sw.Int32(int32(numLinks)); err != nil {
					return err
				}
				if err := writeFile(fs, sw, fullPath, buf, st); err != nil {
					return err
				}
				inodeMap[stat.Ino] = &linkAndCount{linkID: linkID, linkCount: numLinks - 1}
			}
		default:
			return fmt.Errorf("Invalid link count: %d", numLinks)
		}
		st.AddRegularFiles(1)

	case stat.IsDirectory():
		if err := sw.Byte(Directory); err != nil {
			return err
		}
		if err := sw.CompressedUTF(packPath, slot); err != nil {
			return err
		}
		if err := writeMeta(sw, stat); err != nil {
			return err
		}
		st.AddDirectories(1)

	case stat.IsSymlink():
		if err := sw.Byte(Symlink); err != nil {
			return err
		}
		if err := sw.CompressedUTF(packPath, slot); err != nil {
			return err
		}
		if err := sw.Int32(int32(stat.UID)); err != nil {
			return err
		}
		if err := sw.Int32(int32(stat.GID)); err != nil {
			return err
		}
		target, err := fs.ReadLink(fullPath)
		if err != nil {
			return err
		}
		if err := sw.CompressedUTF(target, SymlinkSlot); err != nil {
			return err
		}
		st.AddSymlinks(1)

	case stat.IsBlock():
		if err := writeDevice(sw, BlockDevice, packPath, stat, slot); err != nil {
			return err
		}
		st.AddBlockDevices(1)

	case stat.IsChar():
		if err := writeDevice(sw, CharacterDevice, packPath, stat, slot); err != nil {
			return err
		}
		st.AddCharDevices(1)

	case stat.IsFifo():
		if err := sw.Byte(Fifo); err != nil {
			return err
		}
		if err := sw.CompressedUTF(packPath, slot); err != nil {
			return err
		}
		if err := sw.Int32(int32(stat.UID)); err != nil {
			return err
		}
		if err := sw.Int32(int32(stat.GID)); err != nil {
			return err
		}
		if err := sw.Int64(int64(stat.Mode)); err != nil {
			return err
		}
		st.AddFifos(1)

	case stat.IsSocket():
		return fmt.Errorf("Unable to pack socket: %s", fullPath)
	}
	return nil
}

// writeMeta writes the uid, gid, mode, mtime block shared by regular
// files and directories.
func writeMeta(sw *StreamWriter, stat posix.Stat) error {
	if err := sw.Int32(int32(stat.UID)); err != nil {
		return err
	}
	if err := sw.Int32(int32(stat.GID)); err != nil {
		return err
	}
	if err := sw.Int64(int64(stat.Mode)); err != nil {
		return err
	}
	return sw.Int64(stat.Mtime)
}

func writeDevice(sw *StreamWriter, tag byte, packPath string, stat posix.Stat, slot int) error {
	if err := sw.Byte(tag); err != nil {
		return err
	}
	if err := sw.CompressedUTF(packPath, slot); err != nil {
		return err
	}
	if err := sw.Int32(int32(stat.UID)); err != nil {
		return err
	}
	if err := sw.Int32(int32(stat.GID)); err != nil {
		return err
	}
	if err := sw.Int64(int64(stat.Mode)); err != nil {
		return err
	}
	return sw.Int64(int64(stat.Rdev))
}

func writeFile(fs posix.FileSystem, sw *StreamWriter, fullPath string, buf []byte, st *stats.Collector) error {
	f, err := fs.Open(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()
	counting := &countingReader{r: f}
	if err := writeFileData(sw, counting, buf); err != nil {
		return err
	}
	st.AddDataBytes(counting.n)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
