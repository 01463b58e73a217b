package manifest

import (
	"context"
	"fmt"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/manifest/archive"
	"github.com/coldpack/coldpack/pkg/manifest/changeset"
	"github.com/coldpack/coldpack/pkg/manifest/db"
	"github.com/coldpack/coldpack/pkg/manifest/patchset"
)

// CollectSmallArchives implements collect-small-archives (spec §4.5,
// §8 property 7, scenario S6): it downloads archives below
// min_archive_len smallest-first, migrating their blocks into one fresh
// archive until that archive reaches min_archive_len (so some candidates
// may be left for a later run), uploads it, and removes the now-blockless
// source archives from the remote store. It returns the number of blocks
// migrated; zero candidates is not an error.
func (m *Manifest) CollectSmallArchives(ctx context.Context) (migrated int, err error) {
	tx := m.gdb.Begin()
	if tx.Error != nil {
		return 0, fmt.Errorf("manifest: begin collect-small-archives transaction: %w", tx.Error)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	candidates, err := archive.SmallArchiveCandidates(tx, m.cfg.MinArchiveLen)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	capture := changeset.NewCapture()
	p := archive.New(m.cfg.ScratchDir, m.store, m.cfg.Key, m.cfg.CompressionLevel, m.cfg.MinArchiveLen)
	if err := p.Open(tx); err != nil {
		return 0, err
	}

	migrated, err = archive.CompactSmallArchives(ctx, tx, capture, m.store, p, candidates)
	if err != nil {
		return 0, err
	}

	if migrated == 0 {
		if err := p.Discard(tx); err != nil {
			return 0, err
		}
		return 0, nil
	}

	uncompressedLen := p.Offset()
	sealed := p.Seal()
	name, fileID, length, err := archive.Upload(ctx, m.store, m.cfg.Key, m.cfg.CompressionLevel, sealed)
	if err != nil {
		return 0, err
	}
	if err := archive.ApplyUploadResult(tx, capture, sealed.ArchiveID, uncompressedLen, fileID, length); err != nil {
		return 0, err
	}
	logger.Info("compacted archive uploaded", logger.ArchiveID(sealed.ArchiveID), logger.BlobName(name), logger.Count(migrated))

	orphans, err := collectBlocklessArchives(tx, capture)
	if err != nil {
		return 0, err
	}

	cs := capture.ChangeSet()
	if _, err := patchset.Upload(ctx, tx, m.store, m.cfg.Key, m.cfg.CompressionLevel, cs); err != nil {
		return 0, err
	}

	if err := tx.Commit().Error; err != nil {
		return 0, fmt.Errorf("manifest: commit collect-small-archives: %w", err)
	}
	committed = true

	removeOrphanBlobs(ctx, m.store, orphans)
	return migrated, nil
}

// CollectSmallPatchsets implements collect-small-patchsets (spec §4.8):
// it selects the tail of patchsets (by id, highest first) whose
// cumulative blob length is below max_manifest_len, merges them into one
// new patchset, and removes the compacted-away blobs. Fewer than two
// candidates is db.ErrNotEnoughSmallPatchsets.
func (m *Manifest) CollectSmallPatchsets(ctx context.Context) (compacted int, err error) {
	tx := m.gdb.Begin()
	if tx.Error != nil {
		return 0, fmt.Errorf("manifest: begin collect-small-patchsets transaction: %w", tx.Error)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	candidates, err := patchset.SmallTailCandidates(tx, m.cfg.MaxManifestLen)
	if err != nil {
		return 0, err
	}
	if len(candidates) < 2 {
		return 0, db.ErrNotEnoughSmallPatchsets
	}

	newRow, _, err := patchset.Compact(ctx, tx, m.store, m.cfg.Key, m.cfg.CompressionLevel, candidates)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit().Error; err != nil {
		return 0, fmt.Errorf("manifest: commit collect-small-patchsets: %w", err)
	}
	committed = true

	for _, c := range candidates {
		if c.BlobFileID == nil {
			continue
		}
		name := blobstore.PatchsetBlobName(c.ID)
		if err := m.store.Remove(ctx, name, *c.BlobFileID); err != nil {
			logger.Warn("failed to remove compacted patchset blob", logger.BlobName(name), logger.Err(err))
		}
	}

	logger.Info("collected small patchsets", logger.Count(len(candidates)), logger.PatchsetID(newRow.ID))
	return len(candidates), nil
}

// MaybeCollect runs the optional post-backup auto-compaction hysteresis
// (spec §4.8, `--maybe-collect`): once the count of small archives
// exceeds SmallArchivesUpperLimit, it repeatedly collects small archives
// until the count is at or below SmallArchivesLowerLimit, stopping early
// if a pass does not lower the count; then it collects small patchsets
// once if their count exceeds SmallPatchsetsLimit. A zero
// SmallArchivesUpperLimit or SmallPatchsetsLimit disables that check.
func (m *Manifest) MaybeCollect(ctx context.Context) error {
	if m.cfg.SmallArchivesUpperLimit > 0 {
		count, err := m.countSmallArchives()
		if err != nil {
			return err
		}
		if count > m.cfg.SmallArchivesUpperLimit {
			for count > m.cfg.SmallArchivesLowerLimit {
				if _, err := m.CollectSmallArchives(ctx); err != nil {
					return err
				}
				next, err := m.countSmallArchives()
				if err != nil {
					return err
				}
				if next >= count {
					break
				}
				count = next
			}
		}
	}

	if m.cfg.SmallPatchsetsLimit > 0 {
		count, err := m.countSmallPatchsets()
		if err != nil {
			return err
		}
		if count > m.cfg.SmallPatchsetsLimit {
			if _, err := m.CollectSmallPatchsets(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manifest) countSmallArchives() (int, error) {
	candidates, err := archive.SmallArchiveCandidates(m.gdb, m.cfg.MinArchiveLen)
	if err != nil {
		return 0, err
	}
	return len(candidates), nil
}

func (m *Manifest) countSmallPatchsets() (int, error) {
	candidates, err := patchset.SmallTailCandidates(m.gdb, m.cfg.MaxManifestLen)
	if err != nil {
		return 0, err
	}
	return len(candidates), nil
}
