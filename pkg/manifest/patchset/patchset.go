// Package patchset implements the patchset pipeline (spec §4.8): each
// session's change-set is packed and uploaded as a blob named
// manifest_<id>; the compactor periodically merges the tail of small
// patchsets into one.
package patchset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"gorm.io/gorm"

	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/codec"
	"github.com/coldpack/coldpack/pkg/manifest/changeset"
	"github.com/coldpack/coldpack/pkg/manifest/db"
)

// Upload allocates a Patchset id, packs and uploads cs as its blob, and
// updates the row with the resulting blob_file_id/blob_length.
func Upload(ctx context.Context, tx *gorm.DB, store blobstore.Store, key []byte, level int, cs changeset.ChangeSet) (db.Patchset, error) {
	row := db.Patchset{}
	if err := tx.Create(&row).Error; err != nil {
		return db.Patchset{}, fmt.Errorf("patchset: allocate patchset row: %w", err)
	}

	encoded, err := changeset.Encode(cs)
	if err != nil {
		return db.Patchset{}, fmt.Errorf("patchset: encode change-set: %w", err)
	}

	blob, err := codec.Pack(key, level, bytes.NewReader(encoded))
	if err != nil {
		return db.Patchset{}, fmt.Errorf("patchset: pack patchset %d: %w", row.ID, err)
	}

	name := blobstore.PatchsetBlobName(row.ID)
	fileID, length, err := store.Upload(ctx, name, bytes.NewReader(blob))
	if err != nil {
		return db.Patchset{}, fmt.Errorf("patchset: upload patchset %d: %w", row.ID, err)
	}

	if err := tx.Model(&db.Patchset{}).Where("id = ?", row.ID).
		Updates(map[string]any{"blob_file_id": fileID, "blob_length": length}).Error; err != nil {
		return db.Patchset{}, fmt.Errorf("patchset: update patchset %d after upload: %w", row.ID, err)
	}

	if err := tx.First(&row, row.ID).Error; err != nil {
		return db.Patchset{}, fmt.Errorf("patchset: reload patchset %d: %w", row.ID, err)
	}
	return row, nil
}

// Download fetches and decodes the change-set for one patchset row.
func Download(ctx context.Context, store blobstore.Store, key []byte, row db.Patchset) (changeset.ChangeSet, error) {
	if row.BlobFileID == nil {
		return changeset.ChangeSet{}, fmt.Errorf("patchset: patchset %d has no uploaded blob", row.ID)
	}

	name := blobstore.PatchsetBlobName(row.ID)
	raw, err := store.Download(ctx, name)
	if err != nil {
		return changeset.ChangeSet{}, fmt.Errorf("patchset: download %q: %w", name, err)
	}

	r, err := codec.Unpack(key, raw)
	if err != nil {
		return changeset.ChangeSet{}, fmt.Errorf("patchset: unpack %q: %w", name, err)
	}
	defer r.Close()

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return changeset.ChangeSet{}, fmt.Errorf("patchset: read %q: %w", name, err)
	}

	return changeset.Decode(plaintext)
}

// DownloadByID fetches and decodes the change-set for a patchset blob
// directly by id. It is used by restore-manifest, which reconstructs the
// local Patchset rows from the remote blob set rather than reading them.
func DownloadByID(ctx context.Context, store blobstore.Store, key []byte, id int64) (changeset.ChangeSet, error) {
	name := blobstore.PatchsetBlobName(id)
	raw, err := store.Download(ctx, name)
	if err != nil {
		return changeset.ChangeSet{}, fmt.Errorf("patchset: download %q: %w", name, err)
	}

	r, err := codec.Unpack(key, raw)
	if err != nil {
		return changeset.ChangeSet{}, fmt.Errorf("patchset: unpack %q: %w", name, err)
	}
	defer r.Close()

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return changeset.ChangeSet{}, fmt.Errorf("patchset: read %q: %w", name, err)
	}

	return changeset.Decode(plaintext)
}

// SmallTailCandidates returns the tail of patchsets (by id, highest
// first) whose cumulative blob_length is below maxManifestLen, matching
// the compaction selection in spec §4.8 and the reference
// select_small_patchsets query (sums lengths.id >= ids.id, i.e. a
// patchset's own length counts toward its own threshold check). The
// length of the candidate under consideration is added to the running
// sum before the threshold test, so a patchset that would push the
// cumulative sum to or past maxManifestLen is excluded, not included.
func SmallTailCandidates(tx *gorm.DB, maxManifestLen uint64) ([]db.Patchset, error) {
	var all []db.Patchset
	if err := tx.Where("blob_length IS NOT NULL").Order("id DESC").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("patchset: list patchsets: %w", err)
	}

	var tail []db.Patchset
	var sum uint64
	for _, p := range all {
		sum += *p.BlobLength
		if sum >= maxManifestLen {
			break
		}
		tail = append(tail, p)
	}
	return tail, nil
}

// Compact merges candidates (a small tail, highest id first, as returned
// by SmallTailCandidates) into one new patchset: it downloads and
// decodes each, combines them oldest-first, uploads the combined
// change-set as a fresh patchset, deletes the old rows, and returns the
// new row plus the blob names of the compacted-away patchsets for
// out-of-transaction remote deletion. Fails with
// db.ErrNotEnoughSmallPatchsets if fewer than two candidates are given.
func Compact(ctx context.Context, tx *gorm.DB, store blobstore.Store, key []byte, level int, candidates []db.Patchset) (newRow db.Patchset, removedBlobNames []string, err error) {
	if len(candidates) < 2 {
		return db.Patchset{}, nil, db.ErrNotEnoughSmallPatchsets
	}

	oldestFirst := make([]db.Patchset, len(candidates))
	copy(oldestFirst, candidates)
	sort.Slice(oldestFirst, func(i, j int) bool { return oldestFirst[i].ID < oldestFirst[j].ID })

	sets := make([]changeset.ChangeSet, 0, len(oldestFirst))
	for _, p := range oldestFirst {
		cs, err := Download(ctx, store, key, p)
		if err != nil {
			return db.Patchset{}, nil, fmt.Errorf("patchset: download candidate %d: %w", p.ID, err)
		}
		sets = append(sets, cs)
	}
	combined := changeset.Combine(sets...)

	newRow, err = Upload(ctx, tx, store, key, level, combined)
	if err != nil {
		return db.Patchset{}, nil, fmt.Errorf("patchset: upload combined patchset: %w", err)
	}

	for _, p := range oldestFirst {
		removedBlobNames = append(removedBlobNames, blobstore.PatchsetBlobName(p.ID))
		if err := tx.Delete(&db.Patchset{}, p.ID).Error; err != nil {
			return db.Patchset{}, nil, fmt.Errorf("patchset: delete compacted patchset %d: %w", p.ID, err)
		}
	}

	return newRow, removedBlobNames, nil
}
