// Package dedup implements the content-addressed data-chunk index: chunk
// files keyed by MD5 under a two-level directory hash, deduplicated via
// hard links with bounded per-inode link counts and per-hash-directory
// locking. It is safe for concurrent use by multiple goroutines and, via
// advisory file locks, by multiple processes sharing one index directory.
package dedup

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/bamsammich/parpack/internal/posix"
	"github.com/bamsammich/parpack/internal/stats"
)

const (
	// fsMaxLinkCount is the maximum link count before creating a new copy
	// of the data. ext4 allows 65000, leaving headroom for administrative
	// links.
	fsMaxLinkCount = 60000

	// duplicateLinkCount is the reference count at which a second copy of
	// the data is automatically created.
	duplicateLinkCount = 100

	// coalesceLinkCount is the reference count at which a duplicated
	// group routes all new references back to the first copy.
	coalesceLinkCount = 50

	// fsBlockSize is the assumed filesystem block size; it gates when
	// gzip compression is attempted and kept.
	fsBlockSize = 4096

	// directoryHashBits is the number of MD5 bits used for the directory
	// hash; must be a multiple of 4 for hex-encoded names.
	directoryHashBits = 16

	hashDirChars = directoryHashBits / 4

	lockFileName = "lock"

	dirMode  = 0o700
	fileMode = 0o600

	// verificationInterval is the target period between content
	// re-verifications of any one chunk.
	verificationInterval = 7 * 24 * time.Hour
)

// Index is the dedup data index rooted at one directory. Obtain instances
// through Get; exactly one exists per root path for the life of the
// process, whichever filesystem was passed to the first Get for that root.
type Index struct {
	fs   posix.FileSystem
	root string
	st   *stats.Collector

	locksMu sync.Mutex
	locks   []*hashDirLock
}

var (
	instancesMu sync.Mutex
	instances   = make(map[string]*Index)
)

// Get returns the singleton index at root, creating the root directory if
// missing.
func Get(fs posix.FileSystem, root string) (*Index, error) {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	if ix, ok := instances[root]; ok {
		return ix, nil
	}
	stat, err := fs.Stat(root)
	if err != nil {
		return nil, err
	}
	if !stat.Exists {
		if err := fs.CreateDirectory(root, dirMode); err != nil {
			return nil, err
		}
	} else if !stat.IsDirectory() {
		return nil, fmt.Errorf("Not a directory: %s", root)
	}
	ix := &Index{
		fs:    fs,
		root:  root,
		st:    stats.NewCollector(),
		locks: make([]*hashDirLock, 1<<directoryHashBits),
	}
	instances[root] = ix
	return ix, nil
}

// Root returns the index root directory.
func (ix *Index) Root() string { return ix.root }

// Stats returns the index's counters.
func (ix *Index) Stats() *stats.Collector { return ix.st }

// hashDirLock serializes access to one hash directory: an in-process
// mutex plus a cross-process advisory lock on the directory's lock file.
// The mutex is not reentrant; acquiring it twice from one goroutine is a
// programming error and deadlocks.
type hashDirLock struct {
	ix       *Index
	mu       sync.Mutex
	dirName  string
	dirPath  string
	lockPath string
}

// hashLock returns the lock for a hash directory, creating it on first
// demand. The directory and lock file are created by lock, not here.
// Locks are never destroyed.
func (ix *Index) hashLock(hashDir int) (*hashDirLock, error) {
	ix.locksMu.Lock()
	defer ix.locksMu.Unlock()
	if hl := ix.locks[hashDir]; hl != nil {
		return hl, nil
	}
	dirName := hashDirName(hashDir)
	hl := &hashDirLock{
		ix:       ix,
		dirName:  dirName,
		dirPath:  ix.root + "/" + dirName,
		lockPath: ix.root + "/" + dirName + "/" + lockFileName,
	}
	ix.locks[hashDir] = hl
	return hl, nil
}

// lock acquires the in-process mutex, ensures the directory and lock file
// exist, then takes the cross-process file lock. The returned Closer
// releases both.
func (hl *hashDirLock) lock() (io.Closer, error) {
	hl.mu.Lock()
	if err := hl.ensureLockFile(); err != nil {
		hl.mu.Unlock()
		return nil, err
	}
	fileLock, err := hl.ix.fs.Lock(hl.lockPath)
	if err != nil {
		hl.mu.Unlock()
		return nil, err
	}
	return &heldLock{hl: hl, fileLock: fileLock}, nil
}

func (hl *hashDirLock) ensureLockFile() error {
	fs := hl.ix.fs
	stat, err := fs.Stat(hl.dirPath)
	if err != nil {
		return err
	}
	if !stat.Exists {
		if err := fs.CreateDirectory(hl.dirPath, dirMode); err != nil {
			// Another process may have created it between stat and mkdir.
			if stat, err2 := fs.Stat(hl.dirPath); err2 != nil || !stat.IsDirectory() {
				return err
			}
		}
	} else if !stat.IsDirectory() {
		return fmt.Errorf("Not a directory: %s", hl.dirPath)
	}
	stat, err = fs.Stat(hl.lockPath)
	if err != nil {
		return err
	}
	if !stat.Exists {
		if err := fs.CreateFile(hl.lockPath, fileMode); err != nil {
			// Race with another process creating the file is fine.
			if stat, err2 := fs.Stat(hl.lockPath); err2 != nil || !stat.IsRegular() {
				return err
			}
		}
	} else if !stat.IsRegular() {
		return fmt.Errorf("Not a regular file: %s", hl.lockPath)
	}
	return nil
}

type heldLock struct {
	hl       *hashDirLock
	fileLock io.Closer
}

func (h *heldLock) Close() error {
	err := h.fileLock.Close()
	h.hl.mu.Unlock()
	return err
}

// Insert stores content in the index, or finds the existing chunk holding
// identical bytes, and returns the path of the link copy the caller
// should hard-link from. Zero-length content is rejected. The placement
// policy may store the chunk gzip-compressed.
func (ix *Index) Insert(content []byte) (string, error) {
	return ix.insert(content, true)
}

// InsertRaw is Insert without compression: the returned chunk always
// holds the literal content bytes. Consumers that hard-link chunks
// directly into trees (the deduplicating filesystem) need the on-disk
// bytes to be the file's bytes.
func (ix *Index) InsertRaw(content []byte) (string, error) {
	return ix.insert(content, false)
}

func (ix *Index) insert(content []byte, allowCompress bool) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("zero-length chunk may never be added")
	}
	sum := md5.Sum(content)
	hashDir := int(sum[0])<<8 | int(sum[1])
	want := ChunkName{
		RemHash: hex.EncodeToString(sum[2:]),
		Length:  int64(len(content)),
	}

	hl, err := ix.hashLock(hashDir)
	if err != nil {
		return "", err
	}
	held, err := hl.lock()
	if err != nil {
		return "", err
	}
	defer held.Close()

	groups, err := ix.scanGroup(hl.dirPath, want)
	if err != nil {
		return "", err
	}
	groups, err = ix.repairGaps(hl.dirPath, groups)
	if err != nil {
		return "", err
	}

	// Probe collisions densely from 0; the loop also serves as the
	// one-past-the-end probe since scanGroup saw every existing file.
	nextCollision := 0
	for ; ; nextCollision++ {
		group, ok := groups[nextCollision]
		if !ok {
			break
		}
		canonical, ok := canonicalCopy(group)
		if !ok {
			// Every link copy is corrupt; the group cannot be matched or
			// extended, so the content gets a fresh collision slot.
			continue
		}
		data, err := ix.readChunk(hl.dirPath, canonical)
		if err != nil {
			return "", err
		}
		if bytes.Equal(data, content) {
			return ix.chooseLinkCopy(hl.dirPath, want, nextCollision, group, content, allowCompress)
		}
	}

	name := want
	name.Collision = nextCollision
	name.Link = 0
	if err := ix.writeChunk(hl.dirPath, &name, content, allowCompress); err != nil {
		return "", err
	}
	ix.st.AddChunksStored(1)
	return hl.dirPath + "/" + name.String(), nil
}

// scanGroup lists the hash directory and returns the candidate chunks for
// want's (hash, length), grouped as collision# -> link# -> name.
func (ix *Index) scanGroup(dirPath string, want ChunkName) (map[int]map[int]ChunkName, error) {
	groups := make(map[int]map[int]ChunkName)
	stat, err := ix.fs.Stat(dirPath)
	if err != nil {
		return nil, err
	}
	if !stat.Exists {
		return groups, nil
	}
	lister, err := ix.fs.List(dirPath)
	if err != nil {
		return nil, err
	}
	defer lister.Close()
	for {
		fileName, err := lister.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if fileName == lockFileName {
			continue
		}
		n, ok := ParseChunkName(fileName)
		if !ok {
			continue
		}
		if n.RemHash != want.RemHash || n.Length != want.Length {
			continue
		}
		group := groups[n.Collision]
		if group == nil {
			group = make(map[int]ChunkName)
			groups[n.Collision] = group
		}
		group[n.Link] = n
	}
	return groups, nil
}

// repairGaps renumbers collision and link ordinals to be dense, repairing
// gaps left by unclean shutdowns. Runs under the hash lock.
func (ix *Index) repairGaps(dirPath string, groups map[int]map[int]ChunkName) (map[int]map[int]ChunkName, error) {
	collisions := make([]int, 0, len(groups))
	for c := range groups {
		collisions = append(collisions, c)
	}
	sort.Ints(collisions)

	repaired := make(map[int]map[int]ChunkName, len(groups))
	for newC, oldC := range collisions {
		group := groups[oldC]
		links := make([]int, 0, len(group))
		for l := range group {
			links = append(links, l)
		}
		sort.Ints(links)
		newGroup := make(map[int]ChunkName, len(group))
		for newL, oldL := range links {
			n := group[oldL]
			if n.Collision != newC || n.Link != newL {
				renamed := n
				renamed.Collision = newC
				renamed.Link = newL
				if err := ix.fs.Rename(dirPath+"/"+n.String(), dirPath+"/"+renamed.String()); err != nil {
					return nil, err
				}
				n = renamed
			}
			newGroup[newL] = n
		}
		repaired[newC] = newGroup
	}
	return repaired, nil
}

// canonicalCopy returns the lowest-numbered non-corrupt link copy.
func canonicalCopy(group map[int]ChunkName) (ChunkName, bool) {
	links := make([]int, 0, len(group))
	for l := range group {
		links = append(links, l)
	}
	sort.Ints(links)
	for _, l := range links {
		if !group[l].Corrupt {
			return group[l], true
		}
	}
	return ChunkName{}, false
}

// readChunk reads a chunk's uncompressed content.
func (ix *Index) readChunk(dirPath string, n ChunkName) ([]byte, error) {
	f, err := ix.fs.Open(dirPath + "/" + n.String())
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if n.Gzip {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", n, err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// writeChunk stores content at name, deciding the gzip state by the
// placement policy: never compress below one filesystem block, and keep
// the compressed form only when it crosses a block boundary smaller.
// The file is written to a temporary name and renamed into place; crash
// leftovers have a link count of one and are swept as orphans.
func (ix *Index) writeChunk(dirPath string, name *ChunkName, content []byte, allowCompress bool) error {
	data := content
	name.Gzip = false
	if allowCompress && len(content) >= fsBlockSize {
		var b bytes.Buffer
		zw := gzip.NewWriter(&b)
		if _, err := zw.Write(content); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		if blocksOf(int64(b.Len())) < blocksOf(int64(len(content))) {
			data = b.Bytes()
			name.Gzip = true
		}
	}
	tmpPath := dirPath + "/tmp-" + uuid.NewString()
	f, err := ix.fs.OpenWrite(tmpPath, fileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		ix.fs.Delete(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		ix.fs.Delete(tmpPath)
		return err
	}
	return ix.fs.Rename(tmpPath, dirPath+"/"+name.String())
}

func blocksOf(n int64) int64 {
	return (n + fsBlockSize - 1) / fsBlockSize
}

// chooseLinkCopy selects (or creates) the link copy that should receive
// the caller's next hard-link reference, applying the replication
// thresholds: a second copy once the first accumulates
// duplicateLinkCount references, even distribution while duplicated,
// coalescing back to copy 0 when total references drop to
// coalesceLinkCount, and new copies only when every existing one is at
// the filesystem's maximum link count.
func (ix *Index) chooseLinkCopy(dirPath string, want ChunkName, collision int, group map[int]ChunkName, content []byte, allowCompress bool) (string, error) {
	type copyState struct {
		name  ChunkName
		nlink int
	}
	links := make([]int, 0, len(group))
	for l := range group {
		links = append(links, l)
	}
	sort.Ints(links)

	var copies []copyState
	totalRefs := 0
	maxLink := -1
	for _, l := range links {
		n := group[l]
		if l > maxLink {
			maxLink = l
		}
		stat, err := ix.fs.Stat(dirPath + "/" + n.String())
		if err != nil {
			return "", err
		}
		if !stat.Exists {
			continue
		}
		refs := int(stat.Nlink) - 1 // the index's own directory entry is not a reference
		totalRefs += refs
		if n.Corrupt {
			// Corrupt copies must not receive new references.
			continue
		}
		if !allowCompress && n.Gzip {
			// A raw-only caller aliases the chunk's bytes; a compressed
			// copy cannot serve it.
			continue
		}
		copies = append(copies, copyState{name: n, nlink: int(stat.Nlink)})
	}
	if len(copies) == 0 {
		next := want
		next.Collision = collision
		next.Link = maxLink + 1
		if err := ix.writeChunk(dirPath, &next, content, allowCompress); err != nil {
			return "", err
		}
		ix.st.AddChunksStored(1)
		return dirPath + "/" + next.String(), nil
	}

	// Coalesce: route everything to copy 0 and free higher copies whose
	// only remaining reference is the index itself.
	if len(copies) > 1 && totalRefs <= coalesceLinkCount {
		first := copies[0]
		if first.nlink < fsMaxLinkCount {
			for _, c := range copies[1:] {
				if c.nlink == 1 {
					if err := ix.fs.Delete(dirPath + "/" + c.name.String()); err != nil {
						return "", err
					}
				}
			}
			return dirPath + "/" + first.name.String(), nil
		}
	}

	// Duplicate: once the first copy has accumulated enough references,
	// bring a second independent copy into existence.
	if len(copies) == 1 && copies[0].nlink-1 >= duplicateLinkCount {
		second := want
		second.Collision = collision
		second.Link = maxLink + 1
		if err := ix.writeChunk(dirPath, &second, content, allowCompress); err != nil {
			return "", err
		}
		ix.st.AddChunksStored(1)
		return dirPath + "/" + second.String(), nil
	}

	// Distribute evenly: the copy with the fewest links, among those with
	// headroom.
	best := -1
	for i, c := range copies {
		if c.nlink >= fsMaxLinkCount {
			continue
		}
		if best == -1 || c.nlink < copies[best].nlink {
			best = i
		}
	}
	if best != -1 {
		return dirPath + "/" + copies[best].name.String(), nil
	}

	// Every copy is at the link-count ceiling: materialize a new one.
	next := want
	next.Collision = collision
	next.Link = maxLink + 1
	if err := ix.writeChunk(dirPath, &next, content, allowCompress); err != nil {
		return "", err
	}
	ix.st.AddChunksStored(1)
	return dirPath + "/" + next.String(), nil
}

// Link hard-links the chunk at chunkPath (as returned by Insert) to
// target, counting the new reference.
func (ix *Index) Link(chunkPath, target string) error {
	if err := ix.fs.HardLink(chunkPath, target); err != nil {
		return err
	}
	ix.st.AddChunksLinked(1)
	return nil
}
