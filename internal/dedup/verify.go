package dedup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"
)

// Verify cleans orphaned index files and, when quick is false, re-verifies
// chunk contents against their filenames. The hash lock is held only
// briefly, one file at a time, and the scheduler is yielded between files
// so foreground traffic is not starved. New orphans created during the
// pass may be missed; the next pass collects them.
func (ix *Index) Verify(ctx context.Context, quick bool) error {
	rootLister, err := ix.fs.List(ix.root)
	if err != nil {
		return err
	}
	var dirNames []string
	for {
		name, err := rootLister.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			rootLister.Close()
			return err
		}
		dirNames = append(dirNames, name)
	}
	rootLister.Close()

	var escalated []error
	for _, dirName := range dirNames {
		if dirName == lockFileName {
			continue
		}
		hashDir, ok := parseHashDir(dirName)
		if !ok {
			slog.Warn("skipping non-hash directory", "path", ix.root+"/"+dirName)
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("interrupted: %w", err)
		}
		if err := ix.verifyHashDir(ctx, hashDir, quick, &escalated); err != nil {
			return err
		}
	}
	return errors.Join(escalated...)
}

func (ix *Index) verifyHashDir(ctx context.Context, hashDir int, quick bool, escalated *[]error) error {
	hl, err := ix.hashLock(hashDir)
	if err != nil {
		return err
	}

	// Snapshot the listing under the lock, then work file-by-file,
	// reacquiring for each so other writers can interleave.
	fileNames, err := ix.listUnderLock(hl)
	if err != nil {
		return err
	}
	if fileNames == nil {
		// Directory vanished; nothing to do.
		return nil
	}

	dirty := false
	for _, fileName := range fileNames {
		if fileName == lockFileName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("interrupted: %w", err)
		}
		if err := ix.verifyFile(hl, fileName, quick, &dirty, escalated); err != nil {
			return err
		}
		// Play nice: let others grab the lock before the next file.
		runtime.Gosched()
	}

	if dirty {
		if err := ix.renumberDir(hl); err != nil {
			return err
		}
	}
	return ix.removeIfEmpty(hl)
}

func (ix *Index) listUnderLock(hl *hashDirLock) ([]string, error) {
	held, err := hl.lock()
	if err != nil {
		return nil, err
	}
	defer held.Close()
	stat, err := ix.fs.Stat(hl.dirPath)
	if err != nil || !stat.Exists || !stat.IsDirectory() {
		return nil, err
	}
	lister, err := ix.fs.List(hl.dirPath)
	if err != nil {
		return nil, err
	}
	defer lister.Close()
	var names []string
	for {
		name, err := lister.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
}

func (ix *Index) verifyFile(hl *hashDirLock, fileName string, quick bool, dirty *bool, escalated *[]error) error {
	held, err := hl.lock()
	if err != nil {
		return err
	}
	defer held.Close()

	filePath := hl.dirPath + "/" + fileName
	stat, err := ix.fs.Stat(filePath)
	if err != nil {
		return err
	}
	if !stat.Exists {
		// Removed since the listing; working on a live filesystem.
		return nil
	}

	// An index file whose only link is the index itself is an orphan.
	if stat.IsRegular() && stat.Nlink == 1 {
		slog.Warn("removing orphan", "path", filePath)
		if err := ix.fs.Delete(filePath); err != nil {
			return err
		}
		ix.st.AddOrphansRemoved(1)
		*dirty = true
		return nil
	}

	if quick {
		return nil
	}
	n, ok := ParseChunkName(fileName)
	if !ok || n.Corrupt {
		return nil
	}
	// Budget: each chunk is inspected roughly once per interval, tracked
	// by its mtime.
	now := time.Now().UnixMilli()
	if now-stat.Mtime < verificationInterval.Milliseconds() {
		return nil
	}
	content, err := ix.readChunk(hl.dirPath, n)
	if err != nil {
		return err
	}
	sum := md5.Sum(content)
	if int64(len(content)) == n.Length &&
		hex.EncodeToString(sum[2:]) == n.RemHash &&
		hashDirName(int(sum[0])<<8|int(sum[1])) == hl.dirName {
		return ix.fs.Utime(filePath, stat.Atime, now)
	}

	// Content no longer matches the filename: mark corrupt so no new
	// references land on it, and escalate when no sibling copy remains.
	corrupt := n
	corrupt.Corrupt = true
	slog.Warn("corrupt chunk detected", "path", filePath)
	if err := ix.fs.Rename(filePath, hl.dirPath+"/"+corrupt.String()); err != nil {
		return err
	}
	ix.st.AddCorruptFound(1)

	want := ChunkName{RemHash: n.RemHash, Length: n.Length}
	groups, err := ix.scanGroup(hl.dirPath, want)
	if err != nil {
		return err
	}
	if _, ok := canonicalCopy(groups[n.Collision]); !ok {
		*escalated = append(*escalated,
			fmt.Errorf("no intact copy remains for %s collision %d in %s", want.GroupPrefix(), n.Collision, hl.dirName))
	}
	return nil
}

// renumberDir restores dense collision and link numbering for every
// candidate group in the directory after deletions.
func (ix *Index) renumberDir(hl *hashDirLock) error {
	held, err := hl.lock()
	if err != nil {
		return err
	}
	defer held.Close()

	stat, err := ix.fs.Stat(hl.dirPath)
	if err != nil || !stat.Exists {
		return err
	}
	lister, err := ix.fs.List(hl.dirPath)
	if err != nil {
		return err
	}
	byGroup := make(map[string]map[int]map[int]ChunkName)
	for {
		fileName, err := lister.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			lister.Close()
			return err
		}
		n, ok := ParseChunkName(fileName)
		if !ok {
			continue
		}
		key := n.GroupPrefix()
		if byGroup[key] == nil {
			byGroup[key] = make(map[int]map[int]ChunkName)
		}
		if byGroup[key][n.Collision] == nil {
			byGroup[key][n.Collision] = make(map[int]ChunkName)
		}
		byGroup[key][n.Collision][n.Link] = n
	}
	lister.Close()

	for _, groups := range byGroup {
		if _, err := ix.repairGaps(hl.dirPath, groups); err != nil {
			return err
		}
	}
	return nil
}

// removeIfEmpty deletes a hash directory that no longer holds any chunk
// files. The lock file itself is removed first; a concurrent insert will
// recreate both.
func (ix *Index) removeIfEmpty(hl *hashDirLock) error {
	held, err := hl.lock()
	if err != nil {
		return err
	}
	defer held.Close()

	stat, err := ix.fs.Stat(hl.dirPath)
	if err != nil || !stat.Exists {
		return err
	}
	lister, err := ix.fs.List(hl.dirPath)
	if err != nil {
		return err
	}
	empty := true
	for {
		name, err := lister.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			lister.Close()
			return err
		}
		if name != lockFileName {
			empty = false
			break
		}
	}
	lister.Close()
	if !empty {
		return nil
	}
	if err := ix.fs.Delete(hl.lockPath); err != nil {
		return err
	}
	return ix.fs.Delete(hl.dirPath)
}
