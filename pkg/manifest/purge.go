package manifest

import (
	"context"
	"fmt"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/manifest/db"
)

// PurgeStorage implements purge-storage (spec §4.7.4): for each remote
// blob whose parsed id does not exist in the local manifest, issue a
// remote delete. It reconciles the remote store after a session that
// uploaded an archive or patchset blob but was interrupted before its
// row could be committed.
func (m *Manifest) PurgeStorage(ctx context.Context) error {
	if err := m.purgePrefix(ctx, blobstore.ArchivePrefix(), blobstore.ParseArchiveID, func(id int64) bool {
		var count int64
		m.gdb.Model(&db.Archive{}).Where("id = ?", id).Count(&count)
		return count > 0
	}); err != nil {
		return err
	}

	return m.purgePrefix(ctx, blobstore.PatchsetPrefix(), blobstore.ParsePatchsetID, func(id int64) bool {
		var count int64
		m.gdb.Model(&db.Patchset{}).Where("id = ?", id).Count(&count)
		return count > 0
	})
}

func (m *Manifest) purgePrefix(ctx context.Context, prefix string, parse func(string) (int64, bool), exists func(int64) bool) error {
	infos, err := m.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("manifest: list %q blobs: %w", prefix, err)
	}

	for _, info := range infos {
		id, ok := parse(info.Name)
		if !ok || exists(id) {
			continue
		}
		if err := m.store.Remove(ctx, info.Name, info.FileID); err != nil {
			return fmt.Errorf("manifest: purge %q: %w", info.Name, err)
		}
		logger.Info("purged orphaned blob", logger.BlobName(info.Name))
	}
	return nil
}
