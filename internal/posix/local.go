package posix

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Compile-time interface check.
var _ FileSystem = (*Local)(nil)

// Local is the FileSystem over the host's filesystem, optionally rooted
// at a prefix directory. An empty root means paths are used as given.
type Local struct {
	root string
}

// NewLocal returns a Local filesystem. If root is non-empty, every path
// is resolved relative to it.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) abs(path string) string {
	if l.root == "" {
		return path
	}
	return filepath.Join(l.root, path)
}

func (l *Local) Stat(path string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(l.abs(path), &st); err != nil {
		if err == unix.ENOENT || err == unix.ENOTDIR {
			return Stat{}, nil
		}
		return Stat{}, fmt.Errorf("lstat %s: %w", path, err)
	}
	return Stat{
		Exists: true,
		Mode:   st.Mode,
		UID:    st.Uid,
		GID:    st.Gid,
		Nlink:  uint32(st.Nlink),
		Dev:    st.Dev,
		Ino:    st.Ino,
		Rdev:   st.Rdev,
		Size:   st.Size,
		Atime:  st.Atim.Sec*1000 + st.Atim.Nsec/1e6,
		Mtime:  st.Mtim.Sec*1000 + st.Mtim.Nsec/1e6,
	}, nil
}

func (l *Local) CreateFile(path string, mode uint32) error {
	if err := CheckName(filepath.Base(path)); err != nil {
		return err
	}
	fd, err := unix.Open(l.abs(path), unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return unix.Close(fd)
}

func (l *Local) CreateDirectory(path string, mode uint32) error {
	if err := CheckName(filepath.Base(path)); err != nil {
		return err
	}
	if err := unix.Mkdir(l.abs(path), mode); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (l *Local) List(path string) (Lister, error) {
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, err
	}
	return &localLister{f: f}, nil
}

// localLister reads directory names in batches to keep the listing lazy
// on very large directories (hash directories can hold millions of files).
type localLister struct {
	f     *os.File
	batch []string
}

func (it *localLister) Next() (string, error) {
	for len(it.batch) == 0 {
		names, err := it.f.Readdirnames(256)
		if len(names) == 0 {
			if err == nil {
				err = io.EOF
			}
			return "", err
		}
		it.batch = names
	}
	name := it.batch[0]
	it.batch = it.batch[1:]
	return name, nil
}

func (it *localLister) Close() error { return it.f.Close() }

// fileLock holds an open file descriptor with an exclusive flock.
type fileLock struct {
	f *os.File
}

func (fl *fileLock) Close() error {
	err := unix.Flock(int(fl.f.Fd()), unix.LOCK_UN)
	if cerr := fl.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (l *Local) Lock(path string) (io.Closer, error) {
	f, err := os.OpenFile(l.abs(path), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &fileLock{f: f}, nil
}

func (l *Local) Delete(path string) error {
	return os.Remove(l.abs(path))
}

func (l *Local) DeleteRecursive(path string) error {
	return os.RemoveAll(l.abs(path))
}

func (l *Local) Rename(oldPath, newPath string) error {
	return os.Rename(l.abs(oldPath), l.abs(newPath))
}

func (l *Local) Symlink(target, path string) error {
	return os.Symlink(target, l.abs(path))
}

func (l *Local) HardLink(existing, newPath string) error {
	return os.Link(l.abs(existing), l.abs(newPath))
}

func (l *Local) Mknod(path string, mode uint32, dev uint64) error {
	if err := unix.Mknod(l.abs(path), mode, int(dev)); err != nil {
		return fmt.Errorf("mknod %s: %w", path, err)
	}
	return nil
}

func (l *Local) Mkfifo(path string, mode uint32) error {
	if err := unix.Mkfifo(l.abs(path), mode); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

func (l *Local) Chown(path string, uid, gid uint32) error {
	// Lchown so symlink records chown the link itself, not the target.
	if err := syscall.Lchown(l.abs(path), int(uid), int(gid)); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

func (l *Local) SetMode(path string, mode uint32) error {
	if err := unix.Chmod(l.abs(path), mode&PermMask); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func (l *Local) Utime(path string, atime, mtime int64) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime * 1e6),
		unix.NsecToTimespec(mtime * 1e6),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, l.abs(path), times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("utimensat %s: %w", path, err)
	}
	return nil
}

func (l *Local) ReadLink(path string) (string, error) {
	target, err := os.Readlink(l.abs(path))
	if err != nil {
		return "", fmt.Errorf("readlink %s: %w", path, err)
	}
	return target, nil
}

func (l *Local) Open(path string) (io.ReadCloser, error) {
	return os.Open(l.abs(path))
}

func (l *Local) OpenWrite(path string, mode uint32) (io.WriteCloser, error) {
	return os.OpenFile(l.abs(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode&PermMask))
}
