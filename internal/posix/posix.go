// Package posix defines the narrow POSIX filesystem contract consumed by
// the packer, unpacker, and dedup index. Implementations must be safe for
// use from multiple goroutines.
package posix

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/unix"
)

// NameMax is the maximum length of a single path component, in bytes.
const NameMax = 255

// Node kinds, as masked from Stat.Mode by unix.S_IFMT.
const (
	KindRegular   = unix.S_IFREG
	KindDirectory = unix.S_IFDIR
	KindSymlink   = unix.S_IFLNK
	KindBlock     = unix.S_IFBLK
	KindChar      = unix.S_IFCHR
	KindFifo      = unix.S_IFIFO
	KindSocket    = unix.S_IFSOCK
)

// PermMask selects the permission, setuid/setgid, and sticky bits of a mode.
const PermMask = 0o7777

// Stat is the metadata record for a single filesystem node. Timestamps are
// milliseconds since the Unix epoch, matching the archive wire format.
type Stat struct {
	Exists bool
	Mode   uint32 // full st_mode, including the kind bits
	UID    uint32
	GID    uint32
	Nlink  uint32
	Dev    uint64
	Ino    uint64
	Rdev   uint64 // device identifier for block/character special files
	Size   int64
	Atime  int64
	Mtime  int64
}

// Kind returns the node kind bits of the mode.
func (s Stat) Kind() uint32 { return s.Mode & unix.S_IFMT }

func (s Stat) IsRegular() bool   { return s.Kind() == KindRegular }
func (s Stat) IsDirectory() bool { return s.Kind() == KindDirectory }
func (s Stat) IsSymlink() bool   { return s.Kind() == KindSymlink }
func (s Stat) IsBlock() bool     { return s.Kind() == KindBlock }
func (s Stat) IsChar() bool      { return s.Kind() == KindChar }
func (s Stat) IsFifo() bool      { return s.Kind() == KindFifo }
func (s Stat) IsSocket() bool    { return s.Kind() == KindSocket }

// Lister is a lazy, non-restartable listing of a directory's children.
// Next returns io.EOF when the listing is exhausted. The caller must
// Close the lister to release the underlying directory handle.
type Lister interface {
	Next() (string, error)
	Close() error
}

// FileSystem is the contract required by the core. Paths are absolute
// within the implementation's namespace.
type FileSystem interface {
	// Stat returns metadata for path without following symlinks. A missing
	// path is not an error: the returned Stat has Exists == false.
	Stat(path string) (Stat, error)

	// CreateFile atomically creates an empty regular file with the given
	// permission bits. Fails if the path already exists.
	CreateFile(path string, mode uint32) error

	// CreateDirectory atomically creates a directory with the given
	// permission bits. Fails if the path already exists.
	CreateDirectory(path string, mode uint32) error

	// List opens a lazy listing of the immediate children of path,
	// returning child names (not full paths).
	List(path string) (Lister, error)

	// Lock acquires an exclusive advisory lock on path. The lock is held
	// until the returned Closer is closed.
	Lock(path string) (io.Closer, error)

	Delete(path string) error
	DeleteRecursive(path string) error

	// Rename atomically moves oldPath to newPath within the filesystem.
	Rename(oldPath, newPath string) error

	Symlink(target, path string) error
	HardLink(existing, newPath string) error
	Mknod(path string, mode uint32, dev uint64) error
	Mkfifo(path string, mode uint32) error

	Chown(path string, uid, gid uint32) error
	SetMode(path string, mode uint32) error
	// Utime sets access and modification times, in milliseconds.
	Utime(path string, atime, mtime int64) error
	ReadLink(path string) (string, error)

	// Open opens an existing regular file for reading.
	Open(path string) (io.ReadCloser, error)
	// OpenWrite creates or truncates a regular file for writing with the
	// given permission bits.
	OpenWrite(path string, mode uint32) (io.WriteCloser, error)
}

// ErrInvalidName reports a path component that violates POSIX naming rules.
var ErrInvalidName = errors.New("invalid path component")

// CheckName validates a single path component. POSIX filename restrictions:
// must be non-empty, not "." or "..", contain no NUL or '/', and not exceed
// NameMax bytes.
func CheckName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: name contains NUL", ErrInvalidName)
	}
	if strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: name contains '/'", ErrInvalidName)
	}
	if len(name) > NameMax {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidName, NameMax)
	}
	return nil
}
