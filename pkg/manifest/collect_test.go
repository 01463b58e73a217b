package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpack/coldpack/pkg/manifest/db"
)

func TestCollectSmallArchivesMigratesBlocks(t *testing.T) {
	m, _ := openTestManifest(t)
	m.cfg.KeepDeletedFiles = true // each backup visits only its own file
	m.cfg.MinArchiveLen = 1 << 20
	// Each backup below stays far under min_archive_len, so its archive is
	// sealed only at session end and remains undersized;
	// collect-small-archives should merge both into one.
	backupOneFile(t, m, "/a.txt", []byte("content of file a, over sixteen bytes"))
	backupOneFile(t, m, "/b.txt", []byte("content of file b, over sixteen bytes"))

	var archivesBefore int64
	require.NoError(t, m.gdb.Model(&db.Archive{}).Count(&archivesBefore).Error)
	assert.GreaterOrEqual(t, archivesBefore, int64(2))

	migrated, err := m.CollectSmallArchives(context.Background())
	require.NoError(t, err)
	assert.Greater(t, migrated, 0)

	files, err := m.ListFiles("")
	require.NoError(t, err)
	assert.Len(t, files, 2, "file rows must survive archive compaction")
}

func TestCollectSmallArchivesNoopWhenNoCandidates(t *testing.T) {
	m, _ := openTestManifest(t)
	m.cfg.MinArchiveLen = 1 // every non-empty archive reaches min_archive_len, so none is "small"
	backupOneFile(t, m, "/a.txt", []byte("short"))

	migrated, err := m.CollectSmallArchives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, migrated)
}

func TestCollectSmallPatchsetsRequiresAtLeastTwo(t *testing.T) {
	m, _ := openTestManifest(t)
	backupOneFile(t, m, "/a.txt", []byte("only one patchset so far"))

	_, err := m.CollectSmallPatchsets(context.Background())
	assert.ErrorIs(t, err, db.ErrNotEnoughSmallPatchsets)
}

func TestCollectSmallPatchsetsMergesTail(t *testing.T) {
	m, _ := openTestManifest(t)
	m.cfg.MaxManifestLen = 1 << 30
	m.cfg.KeepDeletedFiles = true // each backup visits only its own file
	backupOneFile(t, m, "/a.txt", []byte("first session"))
	backupOneFile(t, m, "/b.txt", []byte("second session"))

	var before int64
	require.NoError(t, m.gdb.Model(&db.Patchset{}).Count(&before).Error)
	require.GreaterOrEqual(t, before, int64(2))

	compacted, err := m.CollectSmallPatchsets(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, before, compacted)

	files, err := m.ListFiles("")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestMaybeCollectRunsHysteresis(t *testing.T) {
	m, _ := openTestManifest(t)
	m.cfg.SmallArchivesUpperLimit = 1
	m.cfg.SmallArchivesLowerLimit = 1
	m.cfg.KeepDeletedFiles = true // each backup visits only its own file
	m.cfg.MinArchiveLen = 1 << 20 // both backups leave an undersized archive
	backupOneFile(t, m, "/a.txt", []byte("content of file a, over sixteen bytes"))
	backupOneFile(t, m, "/b.txt", []byte("content of file b, over sixteen bytes"))

	require.NoError(t, m.MaybeCollect(context.Background()))

	count, err := m.countSmallArchives()
	require.NoError(t, err)
	assert.LessOrEqual(t, count, m.cfg.SmallArchivesLowerLimit)
}
