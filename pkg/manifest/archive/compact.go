package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	"gorm.io/gorm"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/codec"
	"github.com/coldpack/coldpack/pkg/manifest/changeset"
	"github.com/coldpack/coldpack/pkg/manifest/db"
)

// SmallArchiveCandidates returns archives whose uncompressed length sum
// is below minArchiveLen, ordered smallest-first, the iteration order
// spec §4.5 requires for compaction.
func SmallArchiveCandidates(tx *gorm.DB, minArchiveLen uint64) ([]db.Archive, error) {
	var archives []db.Archive
	if err := tx.Where("uncompressed_length IS NOT NULL AND uncompressed_length < ?", minArchiveLen).
		Order("uncompressed_length ASC").
		Find(&archives).Error; err != nil {
		return nil, fmt.Errorf("archive: list small archive candidates: %w", err)
	}
	return archives, nil
}

// CompactSmallArchives downloads and unpacks each candidate archive in
// order, copies its blocks into the packer's current in-flight archive,
// rewrites each moved Block's (archive_id, archive_offset), and verifies
// the recomputed digest against the stored one (spec §4.5, §8 property
// 7). It stops once the in-flight archive reaches minArchiveLen. Source
// archives are left to invariant 5's garbage collection once their last
// Block has migrated away.
func CompactSmallArchives(ctx context.Context, tx *gorm.DB, capture *changeset.Capture, store blobstore.Store, p *Packer, candidates []db.Archive) (migrated int, err error) {
	for _, src := range candidates {
		if p.Offset() >= p.minArchiveLen {
			break
		}
		n, err := compactOne(ctx, tx, capture, store, p, src)
		if err != nil {
			return migrated, err
		}
		migrated += n
	}
	return migrated, nil
}

func compactOne(ctx context.Context, tx *gorm.DB, capture *changeset.Capture, store blobstore.Store, p *Packer, src db.Archive) (int, error) {
	if src.BlobFileID == nil {
		return 0, fmt.Errorf("archive: cannot compact archive %d with no uploaded blob", src.ID)
	}

	name := blobstore.ArchiveBlobName(src.ID)
	raw, err := store.Download(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("archive: download %q for compaction: %w", name, err)
	}

	r, err := codec.Unpack(p.key, raw)
	if err != nil {
		return 0, fmt.Errorf("archive: unpack %q for compaction: %w", name, err)
	}
	defer r.Close()

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("archive: read %q for compaction: %w", name, err)
	}

	var blocks []db.Block
	if err := tx.Where("archive_id = ?", src.ID).Order("archive_offset ASC").Find(&blocks).Error; err != nil {
		return 0, fmt.Errorf("archive: list blocks of archive %d: %w", src.ID, err)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ArchiveOffset < blocks[j].ArchiveOffset })

	moved := 0
	for _, b := range blocks {
		if b.ArchiveOffset+b.Length > uint64(len(plaintext)) {
			return moved, fmt.Errorf("archive: block %d out of bounds in archive %d", b.ID, src.ID)
		}
		bytesAt := plaintext[b.ArchiveOffset : b.ArchiveOffset+b.Length]

		recomputed := sha256.Sum256(bytesAt)
		if !bytes.Equal(recomputed[:], b.Digest) {
			return moved, fmt.Errorf("archive: %w: block %d in archive %d", db.ErrIntegrityMismatch, b.ID, src.ID)
		}

		if _, err := p.scratch.Write(bytesAt); err != nil {
			return moved, fmt.Errorf("archive: write migrated block %d: %w", b.ID, err)
		}
		newOffset := p.offset
		p.offset += b.Length

		if err := tx.Model(&db.Block{}).Where("id = ?", b.ID).
			Updates(map[string]any{"archive_id": p.archiveID, "archive_offset": newOffset}).Error; err != nil {
			return moved, fmt.Errorf("archive: update migrated block %d: %w", b.ID, err)
		}

		var updated db.Block
		if err := tx.First(&updated, b.ID).Error; err != nil {
			return moved, fmt.Errorf("archive: reload migrated block %d: %w", b.ID, err)
		}
		capture.PutBlock(updated)
		moved++

		if p.offset >= p.minArchiveLen {
			break
		}
	}

	logger.Info("compacted small archive", logger.ArchiveID(src.ID), logger.Count(moved))
	return moved, nil
}
