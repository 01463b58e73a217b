// Package walker implements the backup-session file tree traversal (spec
// §4.7.1 step 4, §5 "parallel fold over sibling directory entries"): it
// walks the configured include roots, recording directories and symlinks
// directly and streaming regular files through the chunker into an open
// Session. Traversal is bounded by a worker pool sized from num_threads,
// grounded in restic's archiver.fileSaver worker-pool shape.
package walker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/chunker"
)

// Session is the subset of *manifest.Session the walker drives. Declaring
// it narrows the dependency to what traversal actually needs and lets
// tests supply a fake.
type Session interface {
	OpenFile(path []byte, size uint64, mode uint32) (int64, error)
	WriteBlock(ctx context.Context, fileID int64, offset uint64, chunk []byte) error
	CloseFile(fileID int64) error
	RecordDirectory(path []byte, mode uint32) error
	RecordSymlink(path, target []byte) error
}

// Interrupted reports whether the owning manifest's interrupted flag has
// been set, letting the walker stop admitting new work promptly.
type Interrupted func() bool

// Walker traverses include roots and streams their contents into a
// Session.
type Walker struct {
	session    Session
	excludes   []string
	numThreads int
	interrupted Interrupted
}

// New returns a Walker bound to session. numThreads <= 0 defaults to
// runtime.GOMAXPROCS(0), mirroring spec §6's "default = hardware
// parallelism".
func New(session Session, excludes []string, numThreads int, interrupted Interrupted) *Walker {
	if numThreads <= 0 {
		numThreads = runtime.GOMAXPROCS(0)
	}
	if interrupted == nil {
		interrupted = func() bool { return false }
	}
	return &Walker{session: session, excludes: excludes, numThreads: numThreads, interrupted: interrupted}
}

// Walk traverses every root, recording each directory, symlink, and
// regular file it finds under a manifest path rooted at root's basename.
// NotFound errors encountered between enumeration and stat are swallowed
// (spec §8 "NotFound during walk"); every other error aborts the walk.
func (w *Walker) Walk(ctx context.Context, roots []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.numThreads)

	for _, root := range roots {
		root := filepath.Clean(root)
		info, err := os.Lstat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("walker: stat root %q: %w", root, err)
		}
		if w.excluded(root) {
			continue
		}
		if err := w.walkEntry(ctx, g, root, "/"+filepath.Base(root), info); err != nil {
			return err
		}
	}

	return g.Wait()
}

// excluded reports whether path begins with any configured exclude
// prefix (spec §6 "excludes").
func (w *Walker) excluded(path string) bool {
	for _, prefix := range w.excludes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// walkEntry dispatches a single filesystem entry already stat'd as info,
// recursing into directories via the worker pool (one goroutine per
// child entry, bounded by the group's limit) and streaming regular
// files inline.
func (w *Walker) walkEntry(ctx context.Context, g *errgroup.Group, realPath, manifestPath string, info os.FileInfo) error {
	if w.interrupted() {
		return nil
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(realPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("walker: readlink %q: %w", realPath, err)
		}
		return w.session.RecordSymlink([]byte(manifestPath), []byte(target))

	case info.IsDir():
		if err := w.session.RecordDirectory([]byte(manifestPath), uint32(info.Mode().Perm())); err != nil {
			return err
		}
		entries, err := os.ReadDir(realPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("walker: read directory %q: %w", realPath, err)
		}
		for _, entry := range entries {
			entry := entry
			childReal := filepath.Join(realPath, entry.Name())
			childManifest := manifestPath + "/" + entry.Name()
			if w.excluded(childReal) {
				continue
			}
			g.Go(func() error {
				childInfo, err := os.Lstat(childReal)
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return fmt.Errorf("walker: stat %q: %w", childReal, err)
				}
				return w.walkEntry(ctx, g, childReal, childManifest, childInfo)
			})
		}
		return nil

	case info.Mode().IsRegular():
		return w.walkFile(ctx, realPath, manifestPath, info)

	default:
		// unsupported file type (device, socket, fifo): skip per spec §8.
		logger.Warn("skipping unsupported file type", logger.Path(realPath))
		return nil
	}
}

// walkFile streams one regular file's contents through the chunker into
// the session, opening and closing its NewFile handle around the split.
func (w *Walker) walkFile(ctx context.Context, realPath, manifestPath string, info os.FileInfo) error {
	f, err := os.Open(realPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("walker: open %q: %w", realPath, err)
	}
	defer f.Close()

	fileID, err := w.session.OpenFile([]byte(manifestPath), uint64(info.Size()), uint32(info.Mode().Perm()))
	if err != nil {
		return err
	}

	var offset uint64
	splitErr := chunker.Split(f, func(chunk []byte) error {
		if w.interrupted() {
			return errInterrupted
		}
		if err := w.session.WriteBlock(ctx, fileID, offset, chunk); err != nil {
			return err
		}
		offset += uint64(len(chunk))
		return nil
	})
	if splitErr != nil && splitErr != errInterrupted {
		return fmt.Errorf("walker: chunk %q: %w", realPath, splitErr)
	}

	if splitErr == errInterrupted {
		return nil
	}
	return w.session.CloseFile(fileID)
}

// errInterrupted unwinds chunker.Split early once the session is
// interrupted mid-file; walkFile treats it as a clean stop, not a
// failure.
var errInterrupted = errors.New("walker: interrupted")
