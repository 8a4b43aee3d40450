// Package tmpfile provides an injectable scratch-file path allocator.
//
// The original TDengine join code calls a process-wide
// getTmpFilePath("join-") helper that always writes under the system
// temp directory; spec §9 flags this as global state that should be
// replaced with an injected allocator so tests can isolate their scratch
// files from each other and from the real filesystem's temp directory.
package tmpfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Allocator hands out unique scratch-file paths for a given prefix.
type Allocator interface {
	// Path returns a path that does not yet exist, suitable for
	// os.Create, under the given logical prefix (e.g. "join-").
	Path(prefix string) string
}

// Dir is an Allocator rooted at a fixed directory, the default for
// production use (Dir(os.TempDir()) reproduces the original global
// behavior, just made explicit and overridable).
type Dir struct {
	Root string

	seq int64
}

func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

func (d *Dir) Path(prefix string) string {
	n := atomic.AddInt64(&d.seq, 1)
	name := fmt.Sprintf("%s%d-%d", prefix, os.Getpid(), n)
	return filepath.Join(d.Root, name)
}

// Default allocates under os.TempDir(), matching the original's
// process-wide temp directory use but through an injectable seam.
var Default Allocator = NewDir(os.TempDir())
