package pack_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/parpack/internal/event"
	"github.com/bamsammich/parpack/internal/pack"
	"github.com/bamsammich/parpack/internal/posix"
)

// buildScenarioTree creates /a with a regular file x, a directory d with a
// past mtime, and d/y hard-linked to x.
func buildScenarioTree(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "a")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "x"), []byte("hi"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	require.NoError(t, os.Link(filepath.Join(root, "x"), filepath.Join(root, "d", "y")))
	require.NoError(t, os.Chtimes(filepath.Join(root, "x"), time.UnixMilli(1000), time.UnixMilli(1000)))
	require.NoError(t, os.Chtimes(filepath.Join(root, "d"), time.UnixMilli(2000), time.UnixMilli(2000)))
	require.NoError(t, os.Chtimes(root, time.UnixMilli(3000), time.UnixMilli(3000)))
	return root
}

func packToBuffer(t *testing.T, roots []string, opts pack.PackOptions) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pack.Pack(context.Background(), posix.NewLocal(""), roots, &buf, opts))
	return &buf
}

func unpackInto(t *testing.T, stream *bytes.Buffer, opts pack.UnpackOptions) string {
	t.Helper()
	dest := t.TempDir()
	require.NoError(t, pack.Unpack(context.Background(), posix.NewLocal(""), dest, stream, opts))
	return dest
}

func TestRoundTripHardLinksAndDirMtimes(t *testing.T) {
	t.Parallel()

	root := buildScenarioTree(t)
	stream := packToBuffer(t, []string{root}, pack.PackOptions{})
	dest := unpackInto(t, stream, pack.UnpackOptions{})

	fs := posix.NewLocal("")

	content, err := os.ReadFile(filepath.Join(dest, "a", "x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), content)

	xStat, err := fs.Stat(filepath.Join(dest, "a", "x"))
	require.NoError(t, err)
	yStat, err := fs.Stat(filepath.Join(dest, "a", "d", "y"))
	require.NoError(t, err)
	require.True(t, xStat.Exists)
	require.True(t, yStat.Exists)
	assert.Equal(t, xStat.Ino, yStat.Ino, "x and d/y must share an inode")
	assert.Equal(t, uint32(2), xStat.Nlink)
	assert.Equal(t, uint32(0o644), xStat.Mode&posix.PermMask)
	assert.Equal(t, int64(1000), xStat.Mtime)

	dStat, err := fs.Stat(filepath.Join(dest, "a", "d"))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), dStat.Mtime)

	aStat, err := fs.Stat(filepath.Join(dest, "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), aStat.Mtime)
	assert.Equal(t, uint32(0o755), aStat.Mode&posix.PermMask)
}

func TestRoundTripCompressed(t *testing.T) {
	t.Parallel()

	root := buildScenarioTree(t)
	stream := packToBuffer(t, []string{root}, pack.PackOptions{Compress: true})
	dest := unpackInto(t, stream, pack.UnpackOptions{})

	content, err := os.ReadFile(filepath.Join(dest, "a", "x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), content)

	dStat, err := posix.NewLocal("").Stat(filepath.Join(dest, "a", "d"))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), dStat.Mtime)
}

func TestRoundTripBoundarySizes(t *testing.T) {
	t.Parallel()

	sizes := []int{0, pack.BufferSize, 2 * pack.BufferSize, 32767, 32768}

	base := t.TempDir()
	root := filepath.Join(base, "sizes")
	require.NoError(t, os.Mkdir(root, 0o755))
	for i, size := range sizes {
		data := bytes.Repeat([]byte{byte('a' + i)}, size)
		name := filepath.Join(root, "f"+string(rune('0'+i)))
		require.NoError(t, os.WriteFile(name, data, 0o644))
	}

	stream := packToBuffer(t, []string{root}, pack.PackOptions{})
	dest := unpackInto(t, stream, pack.UnpackOptions{})

	for i, size := range sizes {
		got, err := os.ReadFile(filepath.Join(dest, "sizes", "f"+string(rune('0'+i))))
		require.NoError(t, err)
		assert.Len(t, got, size)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, size), got)
	}
}

func TestRoundTripSymlinkAndFifo(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "special")
	require.NoError(t, os.Mkdir(root, 0o755))
	target := "../dir with spaces/tärgêt"
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link")))
	require.NoError(t, unix.Mkfifo(filepath.Join(root, "pipe"), 0o640))

	stream := packToBuffer(t, []string{root}, pack.PackOptions{})
	dest := unpackInto(t, stream, pack.UnpackOptions{})

	got, err := os.Readlink(filepath.Join(dest, "special", "link"))
	require.NoError(t, err)
	assert.Equal(t, target, got)

	fifoStat, err := posix.NewLocal("").Stat(filepath.Join(dest, "special", "pipe"))
	require.NoError(t, err)
	require.True(t, fifoStat.Exists)
	assert.True(t, fifoStat.IsFifo())
	assert.Equal(t, uint32(0o640), fifoStat.Mode&posix.PermMask)
}

func TestRoundTripMultipleRoots(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	first := filepath.Join(base, "first")
	second := filepath.Join(base, "second")
	require.NoError(t, os.Mkdir(first, 0o755))
	require.NoError(t, os.Mkdir(second, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first, "one"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(second, "two"), []byte("2"), 0o644))

	stream := packToBuffer(t, []string{first, second}, pack.PackOptions{})
	dest := unpackInto(t, stream, pack.UnpackOptions{})

	one, err := os.ReadFile(filepath.Join(dest, "first", "one"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), one)
	two, err := os.ReadFile(filepath.Join(dest, "second", "two"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), two)
}

func TestPackOrderingDescendantsPrecedeDirectory(t *testing.T) {
	t.Parallel()

	root := buildScenarioTree(t)

	var verbose bytes.Buffer
	printer := event.NewPrinter(&verbose)
	var buf bytes.Buffer
	require.NoError(t, pack.Pack(context.Background(), posix.NewLocal(""), []string{root}, &buf,
		pack.PackOptions{Verbose: printer}))
	printer.Close()

	lines := strings.Split(strings.TrimSpace(verbose.String()), "\n")
	position := make(map[string]int, len(lines))
	for i, line := range lines {
		position[line] = i
	}
	for path, pos := range position {
		for other, otherPos := range position {
			if other != path && strings.HasPrefix(other, path+"/") {
				assert.Less(t, otherPos, pos,
					"descendant %s must precede directory %s", other, path)
			}
		}
	}
	// The root directory record comes last.
	assert.Equal(t, len(lines)-1, position["/a"])
}

func TestPackRejectsMissingSource(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := pack.Pack(context.Background(), posix.NewLocal(""), []string{"/does/not/exist"}, &buf, pack.PackOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Directory not found")
}

func TestUnpackEmptyArchive(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := pack.NewStreamWriter(&buf)
	_, err := w.Write([]byte(pack.Header))
	require.NoError(t, err)
	require.NoError(t, w.Int32(pack.Version))
	require.NoError(t, w.Bool(false))
	require.NoError(t, w.Byte(pack.End))
	require.NoError(t, w.Flush())

	dest := unpackInto(t, &buf, pack.UnpackOptions{})

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnpackVersionMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.WriteString(pack.Header)
	buf.Write([]byte{0x00, 0x00, 0x00, 0x02})
	buf.WriteByte(0)

	err := pack.Unpack(context.Background(), posix.NewLocal(""), t.TempDir(), &buf, pack.UnpackOptions{})
	require.Error(t, err)
	assert.Equal(t, "Unsupported pack version 2, expecting version 3", err.Error())
}

func TestUnpackBadMagic(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.WriteString("NotParallel!")
	buf.Write(bytes.Repeat([]byte{0}, 16))

	err := pack.Unpack(context.Background(), posix.NewLocal(""), t.TempDir(), &buf, pack.UnpackOptions{})
	require.Error(t, err)
	assert.Equal(t, "ParallelPack header not found", err.Error())
}

func TestUnpackDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	root := buildScenarioTree(t)
	stream := packToBuffer(t, []string{root}, pack.PackOptions{})

	dest := t.TempDir()
	require.NoError(t, pack.Unpack(context.Background(), posix.NewLocal(""), dest, stream,
		pack.UnpackOptions{DryRun: true}))

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnpackRefusesExistingWithoutForce(t *testing.T) {
	t.Parallel()

	root := buildScenarioTree(t)
	dest := t.TempDir()
	fs := posix.NewLocal("")

	stream := packToBuffer(t, []string{root}, pack.PackOptions{})
	require.NoError(t, pack.Unpack(context.Background(), fs, dest, stream, pack.UnpackOptions{}))

	stream = packToBuffer(t, []string{root}, pack.PackOptions{})
	err := pack.Unpack(context.Background(), fs, dest, stream, pack.UnpackOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Exists:")
}

func TestUnpackForceIsIdempotent(t *testing.T) {
	t.Parallel()

	root := buildScenarioTree(t)
	dest := t.TempDir()
	fs := posix.NewLocal("")

	stream := packToBuffer(t, []string{root}, pack.PackOptions{})
	require.NoError(t, pack.Unpack(context.Background(), fs, dest, stream, pack.UnpackOptions{}))

	stream = packToBuffer(t, []string{root}, pack.PackOptions{})
	require.NoError(t, pack.Unpack(context.Background(), fs, dest, stream, pack.UnpackOptions{Force: true}))

	content, err := os.ReadFile(filepath.Join(dest, "a", "x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), content)

	xStat, err := fs.Stat(filepath.Join(dest, "a", "x"))
	require.NoError(t, err)
	yStat, err := fs.Stat(filepath.Join(dest, "a", "d", "y"))
	require.NoError(t, err)
	assert.Equal(t, xStat.Ino, yStat.Ino)

	dStat, err := fs.Stat(filepath.Join(dest, "a", "d"))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), dStat.Mtime)
}

func TestUnpackRejectsUnknownTag(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := pack.NewStreamWriter(&buf)
	_, err := w.Write([]byte(pack.Header))
	require.NoError(t, err)
	require.NoError(t, w.Int32(pack.Version))
	require.NoError(t, w.Bool(false))
	require.NoError(t, w.Byte(99))
	require.NoError(t, w.CompressedUTF("/x", 0))
	require.NoError(t, w.Flush())

	err = pack.Unpack(context.Background(), posix.NewLocal(""), t.TempDir(), &buf, pack.UnpackOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unexpected value for type")
}

func TestUnpackCancelled(t *testing.T) {
	t.Parallel()

	root := buildScenarioTree(t)
	stream := packToBuffer(t, []string{root}, pack.PackOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pack.Unpack(ctx, posix.NewLocal(""), t.TempDir(), stream, pack.UnpackOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
}
