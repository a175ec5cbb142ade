package pack

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/bamsammich/parpack/internal/event"
	"github.com/bamsammich/parpack/internal/posix"
	"github.com/bamsammich/parpack/internal/stats"
)

// UnpackOptions controls an unpack run.
type UnpackOptions struct {
	// DryRun consumes the stream fully but performs no filesystem writes.
	DryRun bool
	// Force overwrites existing targets instead of failing.
	Force bool
	// Verbose, when non-nil, receives each entry's archive path.
	Verbose *event.Printer
	// Stats, when non-nil, accumulates counters.
	Stats *stats.Collector
}

// pathAndCount tracks the first materialized path of a hard-link group
// and the number of remaining references.
type pathAndCount struct {
	path      string
	linkCount int
}

// pathAndMtime is one deferred directory mtime. The stored path carries a
// trailing slash so prefix checks match whole components.
type pathAndMtime struct {
	path  string
	mtime int64
}

// Unpack reads an archive stream from in and materializes it under dest,
// which must be an existing directory. The stream is consumed through the
// END record but in is not closed.
func Unpack(ctx context.Context, fs posix.FileSystem, dest string, in io.Reader, opts UnpackOptions) error {
	destStat, err := fs.Stat(dest)
	if err != nil {
		return err
	}
	if !destStat.Exists {
		return fmt.Errorf("Directory not found: %s", dest)
	}
	if !destStat.IsDirectory() {
		return fmt.Errorf("Not a directory: %s", dest)
	}
	st := opts.Stats
	if st == nil {
		st = stats.NewCollector()
	}

	sr := NewStreamReader(in)

	// Header.
	magic := make([]byte, len(Header))
	if err := sr.ReadFull(magic); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("End of file while reading header")
		}
		return err
	}
	if string(magic) != Header {
		return fmt.Errorf("ParallelPack header not found")
	}
	version, err := sr.Int32()
	if err != nil {
		return err
	}
	if version != Version {
		return fmt.Errorf("Unsupported pack version %d, expecting version %d", version, Version)
	}
	compressed, err := sr.Bool()
	if err != nil {
		return err
	}
	if compressed {
		// The remaining bytes of the original reader include whatever the
		// header reader buffered; resume from its tail.
		gz, err := gzip.NewReader(sr)
		if err != nil {
			return err
		}
		defer gz.Close()
		sr = NewStreamReader(gz)
	}

	buf := make([]byte, BufferSize)

	// Hard link management.
	linkPaths := make(map[uint64]*pathAndCount)
	// Deferred directory mtimes, one stack per top-level subtree root.
	mtimeStacks := make(map[string][]pathAndMtime)

	// The stacks must drain even when the main loop fails, so partially
	// unpacked trees keep the mtimes they were meant to have.
	defer func() {
		for _, stack := range mtimeStacks {
			for i := len(stack) - 1; i >= 0; i-- {
				applyDirMtime(fs, dest, stack[i], opts.DryRun)
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("interrupted: %w", err)
		}
		tag, err := sr.Byte()
		if err != nil {
			return err
		}
		if tag == End {
			break
		}
		packPath, err := sr.CompressedUTF()
		if err != nil {
			return err
		}
		if opts.Verbose != nil {
			if err := opts.Verbose.Emit(ctx, event.Event{Type: event.EntryUnpacked, Path: packPath}); err != nil {
				return fmt.Errorf("interrupted: %w", err)
			}
		}
		if packPath == "" {
			return fmt.Errorf("Empty packPath")
		}
		if packPath[0] != '/' {
			return fmt.Errorf("Invalid packPath, first character is not /")
		}
		fullPath := dest + packPath

		// Apply deferred directory mtimes that the current path has moved
		// past: pop entries whose stored prefix no longer covers packPath.
		subtreeRoot := packPath
		if slash := strings.IndexByte(packPath[1:], '/'); slash != -1 {
			subtreeRoot = packPath[:slash+1]
		}
		stack := mtimeStacks[subtreeRoot]
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if strings.HasPrefix(packPath, top.path) {
				break
			}
			if err := applyDirMtime(fs, dest, top, opts.DryRun); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
			mtimeStacks[subtreeRoot] = stack
		}

		targetStat, err := fs.Stat(fullPath)
		if err != nil {
			return err
		}
		// Records arrive in post-order: children precede their directory
		// record, and missing parents are created implicitly. An existing
		// directory at a Directory record is therefore the normal case and
		// is reconciled, not refused; everything else that already exists
		// is fatal without force.
		if targetStat.Exists && !opts.Force {
			if tag != Directory || !targetStat.IsDirectory() {
				return fmt.Errorf("Exists: %s", fullPath)
			}
		}
		if !opts.DryRun {
			if err := ensureParents(fs, dest, packPath); err != nil {
				return err
			}
		}

		switch tag {
		case RegularFile:
			if err := unpackRegular(fs, sr, dest, packPath, fullPath, targetStat, linkPaths, buf, opts, st); err != nil {
				return err
			}

		case Directory:
			uid, gid, mode, mtime, err := readMeta(sr)
			if err != nil {
				return err
			}
			if !opts.DryRun {
				switch {
				case targetStat.Exists && !targetStat.IsDirectory():
					if err := fs.DeleteRecursive(fullPath); err != nil {
						return err
					}
					if err := makeDir(fs, fullPath, uid, gid, mode); err != nil {
						return err
					}
				case targetStat.Exists:
					// Implicitly created while writing children, or a
					// pre-existing tree under force: reconcile what differs.
					if targetStat.UID != uid || targetStat.GID != gid {
						if err := fs.Chown(fullPath, uid, gid); err != nil {
							return err
						}
					}
					if targetStat.Mode&posix.PermMask != uint32(mode)&posix.PermMask {
						if err := fs.SetMode(fullPath, uint32(mode)); err != nil {
							return err
						}
					}
				default:
					if err := makeDir(fs, fullPath, uid, gid, mode); err != nil {
						return err
					}
				}
			}
			mtimeStacks[subtreeRoot] = append(mtimeStacks[subtreeRoot], pathAndMtime{path: packPath + "/", mtime: mtime})
			st.AddDirectories(1)

		case Symlink:
			uid, err := sr.Int32()
			if err != nil {
				return err
			}
			gid, err := sr.Int32()
			if err != nil {
				return err
			}
			target, err := sr.CompressedUTF()
			if err != nil {
				return err
			}
			if !opts.DryRun {
				if targetStat.Exists {
					if err := fs.DeleteRecursive(fullPath); err != nil {
						return err
					}
				}
				if err := fs.Symlink(target, fullPath); err != nil {
					return err
				}
				if err := fs.Chown(fullPath, uint32(uid), uint32(gid)); err != nil {
					return err
				}
			}
			st.AddSymlinks(1)

		case BlockDevice, CharacterDevice:
			uid, err := sr.Int32()
			if err != nil {
				return err
			}
			gid, err := sr.Int32()
			if err != nil {
				return err
			}
			mode, err := sr.Int64()
			if err != nil {
				return err
			}
			deviceID, err := sr.Int64()
			if err != nil {
				return err
			}
			kindBit := uint32(posix.KindBlock)
			if tag == CharacterDevice {
				kindBit = posix.KindChar
			}
			if !opts.DryRun {
				if targetStat.Exists {
					if err := fs.DeleteRecursive(fullPath); err != nil {
						return err
					}
				}
				if err := fs.Mknod(fullPath, uint32(mode)&posix.PermMask|kindBit, uint64(deviceID)); err != nil {
					return err
				}
				if err := fs.Chown(fullPath, uint32(uid), uint32(gid)); err != nil {
					return err
				}
			}
			if tag == BlockDevice {
				st.AddBlockDevices(1)
			} else {
				st.AddCharDevices(1)
			}

		case Fifo:
			uid, err := sr.Int32()
			if err != nil {
				return err
			}
			gid, err := sr.Int32()
			if err != nil {
				return err
			}
			mode, err := sr.Int64()
			if err != nil {
				return err
			}
			if !opts.DryRun {
				if targetStat.Exists {
					if err := fs.DeleteRecursive(fullPath); err != nil {
						return err
					}
				}
				if err := fs.Mkfifo(fullPath, uint32(mode)&posix.PermMask); err != nil {
					return err
				}
				if err := fs.Chown(fullPath, uint32(uid), uint32(gid)); err != nil {
					return err
				}
			}
			st.AddFifos(1)

		default:
			return fmt.Errorf("Unexpected value for type: %d", tag)
		}
	}
	return nil
}

// AckByte is written back to the peer after a clean END when unpacking
// over TCP, so the packer does not observe EOF as failure.
const AckByte = End

func unpackRegular(
	fs posix.FileSystem,
	sr *StreamReader,
	dest, packPath, fullPath string,
	targetStat posix.Stat,
	linkPaths map[uint64]*pathAndCount,
	buf []byte,
	opts UnpackOptions,
	st *stats.Collector,
) error {
	linkID, err := sr.Int64()
	if err != nil {
		return err
	}
	if linkID == 0 {
		uid, gid, mode, mtime, err := readMeta(sr)
		if err != nil {
			return err
		}
		if opts.DryRun {
			if err := readFileData(sr, nil, buf); err != nil {
				return err
			}
		} else if err := receiveFile(fs, sr, fullPath, targetStat, uid, gid, mode, mtime, buf, st); err != nil {
			return err
		}
		st.AddRegularFiles(1)
		return nil
	}

	if pc := linkPaths[uint64(linkID)]; pc != nil {
		// Already materialized: replay the hard link.
		if !opts.DryRun {
			if targetStat.Exists {
				if err := fs.DeleteRecursive(fullPath); err != nil {
					return err
				}
			}
			if err := fs.HardLink(dest+pc.path, fullPath); err != nil {
				return err
			}
		}
		pc.linkCount--
		if pc.linkCount <= 0 {
			delete(linkPaths, uint64(linkID))
		}
		st.AddHardLinks(1)
		return nil
	}

	// First occurrence of this link id: full metadata plus data.
	uid, gid, mode, mtime, err := readMeta(sr)
	if err != nil {
		return err
	}
	numLinks, err := sr.Int32()
	if err != nil {
		return err
	}
	if opts.DryRun {
		if err := readFileData(sr, nil, buf); err != nil {
			return err
		}
	} else if err := receiveFile(fs, sr, fullPath, targetStat, uid, gid, mode, mtime, buf, st); err != nil {
		return err
	}
	linkPaths[uint64(linkID)] = &pathAndCount{path: packPath, linkCount: int(numLinks) - 1}
	st.AddRegularFiles(1)
	return nil
}

func readMeta(sr *StreamReader) (uid, gid uint32, mode, mtime int64, err error) {
	u, err := sr.Int32()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	g, err := sr.Int32()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	mode, err = sr.Int64()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	mtime, err = sr.Int64()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return uint32(u), uint32(g), mode, mtime, nil
}

func receiveFile(
	fs posix.FileSystem,
	sr *StreamReader,
	fullPath string,
	targetStat posix.Stat,
	uid, gid uint32,
	mode, mtime int64,
	buf []byte,
	st *stats.Collector,
) error {
	if targetStat.Exists {
		if err := fs.DeleteRecursive(fullPath); err != nil {
			return err
		}
	}
	f, err := fs.OpenWrite(fullPath, uint32(mode))
	if err != nil {
		return err
	}
	counting := &countingWriter{w: f}
	if err := readFileData(sr, counting, buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	st.AddDataBytes(counting.n)
	if err := fs.Chown(fullPath, uid, gid); err != nil {
		return err
	}
	if err := fs.SetMode(fullPath, uint32(mode)); err != nil {
		return err
	}
	newStat, err := fs.Stat(fullPath)
	if err != nil {
		return err
	}
	return fs.Utime(fullPath, newStat.Atime, mtime)
}

// ensureParents creates any missing ancestor directories of packPath
// under dest. Post-order emission means a file's directory record has not
// arrived when the file is written; interim directories get a private
// mode and are reconciled when their records show up.
func ensureParents(fs posix.FileSystem, dest, packPath string) error {
	end := strings.LastIndexByte(packPath, '/')
	if end <= 0 {
		return nil
	}
	for i := 1; i <= end; i++ {
		if packPath[i] != '/' {
			continue
		}
		dirPath := dest + packPath[:i]
		stat, err := fs.Stat(dirPath)
		if err != nil {
			return err
		}
		if stat.Exists {
			if !stat.IsDirectory() {
				return fmt.Errorf("Not a directory: %s", dirPath)
			}
			continue
		}
		if err := fs.CreateDirectory(dirPath, 0o700); err != nil {
			return err
		}
	}
	return nil
}

func makeDir(fs posix.FileSystem, fullPath string, uid, gid uint32, mode int64) error {
	if err := fs.CreateDirectory(fullPath, uint32(mode)&posix.PermMask); err != nil {
		return err
	}
	if err := fs.Chown(fullPath, uid, gid); err != nil {
		return err
	}
	return fs.SetMode(fullPath, uint32(mode))
}

func applyDirMtime(fs posix.FileSystem, dest string, pm pathAndMtime, dryRun bool) error {
	if dryRun {
		return nil
	}
	// The stored path carries a trailing slash; trim it for the utime call.
	dirPath := dest + strings.TrimSuffix(pm.path, "/")
	stat, err := fs.Stat(dirPath)
	if err != nil {
		return err
	}
	if !stat.Exists {
		return nil
	}
	return fs.Utime(dirPath, stat.Atime, pm.mtime)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
