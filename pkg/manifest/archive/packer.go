// Package archive implements the in-flight archive packer (spec §4.5):
// it accumulates deduplicated block bytes into an append-only scratch
// file, decides when to roll the archive over, and drives the pack +
// upload of a sealed archive.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/codec"
	"github.com/coldpack/coldpack/pkg/manifest/changeset"
	"github.com/coldpack/coldpack/pkg/manifest/db"
)

// DigestSize is the length in bytes of a block's content digest.
const DigestSize = sha256.Size

// Packer owns exactly one in-flight archive at a time: its pre-allocated
// id, its current uncompressed length, and its append-only scratch file.
// Block admission, rollover, and sealing all operate on this single
// piece of state, matching the "Update record" the spec requires to be
// held behind one mutex (spec §5) — the mutex itself lives in the
// manifest orchestration layer, not here; Packer assumes its caller
// already serializes access.
type Packer struct {
	scratchDir       string
	store            blobstore.Store
	key              []byte
	compressionLevel int
	minArchiveLen    uint64

	archiveID   int64
	offset      uint64
	scratchPath string
	scratch     *os.File
}

// New constructs a Packer. scratchDir holds in-flight archive scratch
// files; key is the 32-byte pack codec key.
func New(scratchDir string, store blobstore.Store, key []byte, compressionLevel int, minArchiveLen uint64) *Packer {
	return &Packer{
		scratchDir:       scratchDir,
		store:            store,
		key:              key,
		compressionLevel: compressionLevel,
		minArchiveLen:    minArchiveLen,
	}
}

// Open allocates a new archive row under tx and opens its scratch file,
// making it the packer's in-flight archive.
func (p *Packer) Open(tx *gorm.DB) error {
	row := db.Archive{}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("archive: allocate archive row: %w", err)
	}

	path := filepath.Join(p.scratchDir, "archive-"+uuid.NewString()+".scratch")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("archive: open scratch file: %w", err)
	}

	p.archiveID = row.ID
	p.offset = 0
	p.scratchPath = path
	p.scratch = f
	return nil
}

// ArchiveID returns the id of the current in-flight archive.
func (p *Packer) ArchiveID() int64 { return p.archiveID }

// Offset returns the current uncompressed length of the in-flight
// archive.
func (p *Packer) Offset() uint64 { return p.offset }

// Empty reports whether the in-flight archive has received no bytes.
func (p *Packer) Empty() bool { return p.offset == 0 }

// Admit computes the block's digest, deduplicates it against existing
// Block rows, and either reuses the existing block or writes it into the
// current scratch file. It returns the resolved block id (existing or
// newly created) and whether the in-flight archive has now reached
// minArchiveLen and should be rolled over.
func (p *Packer) Admit(tx *gorm.DB, capture *changeset.Capture, chunk []byte) (blockID int64, shouldRollover bool, err error) {
	if len(chunk) == 0 {
		return 0, false, fmt.Errorf("archive: refusing to admit empty chunk")
	}
	digest := sha256.Sum256(chunk)

	var existing db.Block
	err = tx.Where("digest = ?", digest[:]).First(&existing).Error
	switch {
	case err == nil:
		return existing.ID, p.offset >= p.minArchiveLen, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to insert
	default:
		return 0, false, fmt.Errorf("archive: lookup block by digest: %w", err)
	}

	row := db.Block{
		Digest:        digest[:],
		Length:        uint64(len(chunk)),
		ArchiveID:     p.archiveID,
		ArchiveOffset: p.offset,
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, false, fmt.Errorf("archive: insert block row: %w", err)
	}

	if _, err := p.scratch.Write(chunk); err != nil {
		return 0, false, fmt.Errorf("archive: write block to scratch file: %w", err)
	}
	p.offset += uint64(len(chunk))

	capture.PutBlock(row)
	return row.ID, p.offset >= p.minArchiveLen, nil
}

// Sealed is the ownership handle for an archive that has been taken out
// of the packer for background upload. Rollover hands one of these to
// its caller, who uploads outside the manifest mutex.
type Sealed struct {
	ArchiveID   int64
	ScratchPath string
	scratch     *os.File
}

// Seal takes ownership of the packer's current in-flight archive for a
// final upload at session end, without opening a replacement — there is
// none, since the session is ending. Callers must not use the packer
// again after calling Seal.
func (p *Packer) Seal() Sealed {
	return Sealed{ArchiveID: p.archiveID, ScratchPath: p.scratchPath, scratch: p.scratch}
}

// Rollover takes ownership of the packer's current in-flight archive and
// allocates a fresh one in its place, returning the sealed archive for
// out-of-lock upload via Upload. Callers release the manifest mutex
// around the subsequent Upload call (spec §5).
func (p *Packer) Rollover(tx *gorm.DB) (Sealed, error) {
	sealed := Sealed{ArchiveID: p.archiveID, ScratchPath: p.scratchPath, scratch: p.scratch}
	if err := p.Open(tx); err != nil {
		return Sealed{}, fmt.Errorf("archive: open next archive on rollover: %w", err)
	}
	return sealed, nil
}

// Upload packs and uploads a sealed archive's scratch file content and
// returns the blob name, so the caller can update the Archive row under
// the manifest mutex again.
func Upload(ctx context.Context, store blobstore.Store, key []byte, level int, s Sealed) (name string, fileID string, length uint64, err error) {
	defer func() {
		if s.scratch != nil {
			s.scratch.Close()
		}
	}()

	if _, err := s.scratch.Seek(0, 0); err != nil {
		return "", "", 0, fmt.Errorf("archive: seek scratch file: %w", err)
	}

	blob, err := codec.Pack(key, level, s.scratch)
	if err != nil {
		return "", "", 0, fmt.Errorf("archive: pack archive %d: %w", s.ArchiveID, err)
	}

	name = blobstore.ArchiveBlobName(s.ArchiveID)
	fileID, length, err = store.Upload(ctx, name, bytes.NewReader(blob))
	if err != nil {
		return "", "", 0, fmt.Errorf("archive: upload archive %d: %w", s.ArchiveID, err)
	}

	if err := os.Remove(s.ScratchPath); err != nil {
		logger.Warn("failed to remove archive scratch file", logger.Path(s.ScratchPath), logger.Err(err))
	}

	return name, fileID, length, nil
}

// ApplyUploadResult records a completed upload on the Archive row and in
// the session's change-set.
func ApplyUploadResult(tx *gorm.DB, capture *changeset.Capture, archiveID int64, uncompressedLength uint64, fileID string, length uint64) error {
	updates := map[string]any{
		"uncompressed_length": uncompressedLength,
		"blob_file_id":        fileID,
		"blob_length":         length,
	}
	if err := tx.Model(&db.Archive{}).Where("id = ?", archiveID).Updates(updates).Error; err != nil {
		return fmt.Errorf("archive: update archive %d after upload: %w", archiveID, err)
	}

	var row db.Archive
	if err := tx.First(&row, archiveID).Error; err != nil {
		return fmt.Errorf("archive: reload archive %d after upload: %w", archiveID, err)
	}
	capture.PutArchive(row)
	return nil
}

// Discard deletes the current in-flight archive's row (cascading any
// blocks, which cannot exist if it is genuinely empty) and its scratch
// file, used when a session ends with an empty in-flight archive.
func (p *Packer) Discard(tx *gorm.DB) error {
	if p.scratch != nil {
		p.scratch.Close()
	}
	if p.scratchPath != "" {
		if err := os.Remove(p.scratchPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove discarded scratch file", logger.Path(p.scratchPath), logger.Err(err))
		}
	}
	if err := tx.Delete(&db.Archive{}, p.archiveID).Error; err != nil {
		return fmt.Errorf("archive: delete empty archive %d: %w", p.archiveID, err)
	}
	return nil
}
