package pack

import (
	"fmt"
	"io"
	"sort"

	"github.com/bamsammich/parpack/internal/posix"
)

// walker lazily iterates one source tree in post-order: all children of a
// directory are produced (sorted by name) before the directory itself, and
// the root is produced last with relative path "".
type walker struct {
	fs   posix.FileSystem
	root string // absolute start path

	stack []*walkFrame
	done  bool
}

// walkFrame tracks one directory whose children are being produced.
type walkFrame struct {
	rel      string // directory path relative to root ("" for root)
	children []string
	next     int
}

func newWalker(fs posix.FileSystem, root string) *walker {
	return &walker{fs: fs, root: root}
}

// Next returns the next relative path (leading "/" for children, "" for
// the root itself), or io.EOF when the tree is exhausted.
func (w *walker) Next() (string, error) {
	if w.done {
		return "", io.EOF
	}
	if w.stack == nil {
		frame, err := w.push("")
		if err != nil {
			return "", err
		}
		w.stack = []*walkFrame{frame}
	}
	for {
		top := w.stack[len(w.stack)-1]
		if top.next >= len(top.children) {
			// Directory exhausted: emit the directory itself.
			w.stack = w.stack[:len(w.stack)-1]
			if len(w.stack) == 0 {
				w.done = true
			}
			return top.rel, nil
		}
		childRel := top.rel + "/" + top.children[top.next]
		top.next++
		st, err := w.fs.Stat(w.root + childRel)
		if err != nil {
			return "", err
		}
		if !st.Exists {
			// Entry vanished between listing and stat; skip it.
			continue
		}
		if st.IsDirectory() {
			frame, err := w.push(childRel)
			if err != nil {
				return "", err
			}
			w.stack = append(w.stack, frame)
			continue
		}
		return childRel, nil
	}
}

func (w *walker) push(rel string) (*walkFrame, error) {
	lister, err := w.fs.List(w.root + rel)
	if err != nil {
		return nil, fmt.Errorf("list %s%s: %w", w.root, rel, err)
	}
	defer lister.Close()

	var names []string
	for {
		name, err := lister.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s%s: %w", w.root, rel, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &walkFrame{rel: rel, children: names}, nil
}
