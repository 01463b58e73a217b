package walker

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession records every call the walker makes, guarded by a mutex
// since directory fan-out dispatches concurrently across the worker
// pool.
type fakeSession struct {
	mu sync.Mutex

	nextFileID  int64
	openedPaths []string
	closed      map[int64]bool
	blocks      map[int64][][]byte
	dirs        []string
	symlinks    map[string]string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		closed:   make(map[int64]bool),
		blocks:   make(map[int64][][]byte),
		symlinks: make(map[string]string),
	}
}

func (f *fakeSession) OpenFile(path []byte, size uint64, mode uint32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFileID++
	id := f.nextFileID
	f.openedPaths = append(f.openedPaths, string(path))
	return id, nil
}

func (f *fakeSession) WriteBlock(ctx context.Context, fileID int64, offset uint64, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), chunk...)
	f.blocks[fileID] = append(f.blocks[fileID], cp)
	return nil
}

func (f *fakeSession) CloseFile(fileID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[fileID] = true
	return nil
}

func (f *fakeSession) RecordDirectory(path []byte, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, string(path))
	return nil
}

func (f *fakeSession) RecordSymlink(path, target []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symlinks[string(path)] = string(target)
	return nil
}

func TestWalkRecordsFilesDirsAndSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("nested"), 0644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))

	session := newFakeSession()
	w := New(session, nil, 2, nil)
	require.NoError(t, w.Walk(context.Background(), []string{root}))

	base := "/" + filepath.Base(root)
	sort.Strings(session.openedPaths)
	assert.Equal(t, []string{base + "/a.txt", base + "/sub/b.txt"}, session.openedPaths)
	assert.ElementsMatch(t, []string{base, base + "/sub"}, session.dirs)
	assert.Equal(t, "a.txt", session.symlinks[base+"/link"])

	for _, fileID := range []int64{1, 2} {
		assert.True(t, session.closed[fileID])
	}
}

func TestWalkSkipsExcludedPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "skip"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip", "c.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("y"), 0644))

	session := newFakeSession()
	w := New(session, []string{filepath.Join(root, "skip")}, 1, nil)
	require.NoError(t, w.Walk(context.Background(), []string{root}))

	base := "/" + filepath.Base(root)
	assert.Equal(t, []string{base + "/keep.txt"}, session.openedPaths)
}

func TestWalkStopsWhenInterrupted(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	session := newFakeSession()
	w := New(session, nil, 1, func() bool { return true })
	require.NoError(t, w.Walk(context.Background(), []string{root}))

	assert.Empty(t, session.openedPaths)
}

func TestWalkSwallowsMissingRoot(t *testing.T) {
	session := newFakeSession()
	w := New(session, nil, 1, nil)
	require.NoError(t, w.Walk(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}))
	assert.Empty(t, session.dirs)
}
