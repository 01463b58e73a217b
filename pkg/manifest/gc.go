package manifest

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/manifest/changeset"
	"github.com/coldpack/coldpack/pkg/manifest/db"
)

// orphanBlob names a remote blob that a transaction has decided to
// delete locally; its removal from the BlobStore happens out-of-band,
// after the transaction that dropped the last reference to it commits
// (spec §4.7.1 step 10, §4.7.4).
type orphanBlob struct {
	name   string
	fileID string
}

// collectBlocklessArchives deletes every Archive row with no remaining
// Block (invariant 5) and returns their blob identities for remote
// removal. Shared by backup-session GC (spec §4.7.1 step 8) and small-
// archive collection (spec §4.5, scenario S6).
func collectBlocklessArchives(tx *gorm.DB, capture *changeset.Capture) ([]orphanBlob, error) {
	var archives []db.Archive
	if err := tx.Where("id NOT IN (SELECT archive_id FROM blocks)").Find(&archives).Error; err != nil {
		return nil, fmt.Errorf("manifest: list blockless archives: %w", err)
	}

	var orphans []orphanBlob
	for _, a := range archives {
		if a.BlobFileID != nil {
			orphans = append(orphans, orphanBlob{name: blobstore.ArchiveBlobName(a.ID), fileID: *a.BlobFileID})
		}
		if err := tx.Delete(&db.Archive{}, a.ID).Error; err != nil {
			return nil, fmt.Errorf("manifest: delete blockless archive %d: %w", a.ID, err)
		}
		capture.DeleteArchive(a.ID)
	}
	return orphans, nil
}

// removeOrphanBlobs best-effort deletes each orphaned blob from store,
// logging (not failing) on error: the manifest transaction that dropped
// the last reference has already committed, so a stray blob left behind
// is cleaned up later by purge-storage (spec §4.7.4).
func removeOrphanBlobs(ctx context.Context, store blobstore.Store, orphans []orphanBlob) {
	for _, o := range orphans {
		if err := store.Remove(ctx, o.name, o.fileID); err != nil {
			logger.Warn("failed to remove orphaned archive blob", logger.BlobName(o.name), logger.Err(err))
		}
	}
}
