package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/manifest/archive"
	"github.com/coldpack/coldpack/pkg/manifest/changeset"
	"github.com/coldpack/coldpack/pkg/manifest/db"
	"github.com/coldpack/coldpack/pkg/manifest/patchset"
)

// onConflictIgnore lets the visited-* scratch tables be marked idempotently:
// a file, directory, or symlink visited twice in one session (e.g. via two
// hard links) must not fail its second insert.
var onConflictIgnore = clause.OnConflict{DoNothing: true}

// Session is one backup session's mutex-protected Update record (spec
// §5): the current in-flight archive, its scratch file, and the
// database transaction, all accessed only while mu is held. The mutex
// is released around archive uploads so other workers can keep
// admitting blocks into the freshly rolled-over archive.
type Session struct {
	m *Manifest

	mu      sync.Mutex
	tx      *gorm.DB
	capture *changeset.Capture
	packer  *archive.Packer
}

// BeginBackup opens an exclusive transaction, clears the scratch tables,
// attaches a change-capture session, and opens the first in-flight
// archive (spec §4.7.1 steps 1-3).
func (m *Manifest) BeginBackup(ctx context.Context) (*Session, error) {
	tx := m.gdb.Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("manifest: begin exclusive transaction: %w", tx.Error)
	}

	for _, stmt := range []string{
		"DELETE FROM new_mappings", "DELETE FROM new_files",
		"DELETE FROM visited_files", "DELETE FROM visited_directories", "DELETE FROM visited_symlinks",
	} {
		if err := tx.Exec(stmt).Error; err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("manifest: clear scratch tables: %w", err)
		}
	}

	s := &Session{
		m:       m,
		tx:      tx,
		capture: changeset.NewCapture(),
		packer:  archive.New(m.cfg.ScratchDir, m.store, m.cfg.Key, m.cfg.CompressionLevel, m.cfg.MinArchiveLen),
	}
	if err := s.packer.Open(tx); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("manifest: open initial archive: %w", err)
	}
	return s, nil
}

// OpenFile creates a scratch NewFile row and returns its id, which the
// caller uses as the file handle for subsequent WriteBlock/CloseFile
// calls.
func (s *Session) OpenFile(path []byte, size uint64, mode uint32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := db.NewFile{Path: path, Size: size, Mode: mode}
	if err := s.tx.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("manifest: open file %q: %w", path, err)
	}
	return row.ID, nil
}

// WriteBlock admits one chunk into the in-flight archive (deduplicating
// by digest) and records a NewMapping at offset for fileID. If admission
// triggers a rollover, the sealed archive is uploaded with the manifest
// mutex released, then opportunistic New-File promotion runs once the
// upload is recorded.
func (s *Session) WriteBlock(ctx context.Context, fileID int64, offset uint64, chunk []byte) error {
	s.mu.Lock()
	blockID, shouldRoll, err := s.packer.Admit(s.tx, s.capture, chunk)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.tx.Create(&db.NewMapping{NewFileID: fileID, Offset: offset, BlockID: blockID}).Error; err != nil {
		s.mu.Unlock()
		return fmt.Errorf("manifest: record new mapping: %w", err)
	}

	var sealed archive.Sealed
	var uncompressedLen uint64
	if shouldRoll {
		uncompressedLen = s.packer.Offset()
		sealed, err = s.packer.Rollover(s.tx)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("manifest: rollover archive: %w", err)
		}
	}
	s.mu.Unlock()

	if !shouldRoll {
		return nil
	}

	name, fileIDStr, length, err := archive.Upload(ctx, s.m.store, s.m.cfg.Key, s.m.cfg.CompressionLevel, sealed)
	if err != nil {
		return err
	}
	logger.Info("archive rolled over", logger.ArchiveID(sealed.ArchiveID), logger.BlobName(name), logger.Bytes(int64(length)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := archive.ApplyUploadResult(s.tx, s.capture, sealed.ArchiveID, uncompressedLen, fileIDStr, length); err != nil {
		return err
	}
	return s.promoteClosedFiles()
}

// CloseFile marks a NewFile closed. Closing does not by itself promote
// the file: promotion happens opportunistically at rollover and once
// more at session end (spec §4.6).
func (s *Session) CloseFile(fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tx.Model(&db.NewFile{}).Where("id = ?", fileID).Update("closed", true).Error; err != nil {
		return fmt.Errorf("manifest: close file %d: %w", fileID, err)
	}
	return nil
}

// RecordDirectory upserts a Directory row for path and marks it visited.
func (s *Session) RecordDirectory(path []byte, mode uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing db.Directory
	err := s.tx.Where("path = ?", path).First(&existing).Error
	switch {
	case err == nil:
		existing.Mode = mode
		if err := s.tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("manifest: update directory %q: %w", path, err)
		}
		s.capture.PutDirectory(existing)
		return s.markVisitedDirectory(existing.ID)
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := db.Directory{Path: path, Mode: mode}
		if err := s.tx.Create(&row).Error; err != nil {
			return fmt.Errorf("manifest: create directory %q: %w", path, err)
		}
		s.capture.PutDirectory(row)
		return s.markVisitedDirectory(row.ID)
	default:
		return fmt.Errorf("manifest: lookup directory %q: %w", path, err)
	}
}

// RecordSymlink upserts a SymbolicLink row for path and marks it
// visited.
func (s *Session) RecordSymlink(path, target []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing db.SymbolicLink
	err := s.tx.Where("path = ?", path).First(&existing).Error
	switch {
	case err == nil:
		existing.Target = target
		if err := s.tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("manifest: update symlink %q: %w", path, err)
		}
		s.capture.PutSymlink(existing)
		return s.markVisitedSymlink(existing.ID)
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := db.SymbolicLink{Path: path, Target: target}
		if err := s.tx.Create(&row).Error; err != nil {
			return fmt.Errorf("manifest: create symlink %q: %w", path, err)
		}
		s.capture.PutSymlink(row)
		return s.markVisitedSymlink(row.ID)
	default:
		return fmt.Errorf("manifest: lookup symlink %q: %w", path, err)
	}
}

func (s *Session) markVisitedDirectory(id int64) error {
	return s.tx.Clauses(onConflictIgnore).Create(&db.VisitedDirectory{DirectoryID: id}).Error
}

func (s *Session) markVisitedSymlink(id int64) error {
	return s.tx.Clauses(onConflictIgnore).Create(&db.VisitedSymlink{SymlinkID: id}).Error
}

// Abort rolls back the session's transaction and discards its scratch
// files. Callers use this when the producer (walker) itself fails
// before reaching CommitBackup.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packer != nil {
		_ = s.packer.Discard(s.tx)
	}
	s.tx.Rollback()
}

// promoteClosedFiles runs New-File promotion (spec §4.6) opportunistically:
// every closed NewFile whose NewMappings reference only blocks already
// sitting in uploaded archives is promoted to a real File row. It is
// called with s.mu already held.
func (s *Session) promoteClosedFiles() error {
	var closed []db.NewFile
	if err := s.tx.Where("closed = ?", true).Find(&closed).Error; err != nil {
		return fmt.Errorf("manifest: list closed new files: %w", err)
	}

	for _, nf := range closed {
		ready, err := s.newFileReady(nf.ID)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := s.promoteNewFile(nf); err != nil {
			return err
		}
	}
	return nil
}

// newFileReady reports whether every block referenced by newFileID's
// NewMappings lives in an archive whose blob_file_id is no longer null.
func (s *Session) newFileReady(newFileID int64) (bool, error) {
	var pending int64
	err := s.tx.Model(&db.NewMapping{}).
		Joins("JOIN blocks ON blocks.id = new_mappings.block_id").
		Joins("JOIN archives ON archives.id = blocks.archive_id").
		Where("new_mappings.new_file_id = ? AND archives.blob_file_id IS NULL", newFileID).
		Count(&pending).Error
	if err != nil {
		return false, fmt.Errorf("manifest: check readiness of new file %d: %w", newFileID, err)
	}
	return pending == 0, nil
}

// promoteNewFile runs spec §4.6 steps 1-4 for one ready NewFile.
func (s *Session) promoteNewFile(nf db.NewFile) error {
	var fileID int64

	var existing db.File
	err := s.tx.Where("path = ?", nf.Path).First(&existing).Error
	switch {
	case err == nil:
		var oldMappings []db.Mapping
		if err := s.tx.Where("file_id = ?", existing.ID).Find(&oldMappings).Error; err != nil {
			return fmt.Errorf("manifest: list old mappings of %q: %w", nf.Path, err)
		}
		if err := s.tx.Where("file_id = ?", existing.ID).Delete(&db.Mapping{}).Error; err != nil {
			return fmt.Errorf("manifest: delete old mappings of %q: %w", nf.Path, err)
		}
		for _, m := range oldMappings {
			s.capture.DeleteMapping(changeset.MappingKey{FileID: m.FileID, Offset: m.Offset})
		}

		existing.Size = nf.Size
		existing.Mode = nf.Mode
		if err := s.tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("manifest: update file %q: %w", nf.Path, err)
		}
		s.capture.PutFile(existing)
		fileID = existing.ID
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := db.File{Path: nf.Path, Size: nf.Size, Mode: nf.Mode}
		if err := s.tx.Create(&row).Error; err != nil {
			return fmt.Errorf("manifest: create file %q: %w", nf.Path, err)
		}
		s.capture.PutFile(row)
		fileID = row.ID
	default:
		return fmt.Errorf("manifest: lookup file %q: %w", nf.Path, err)
	}

	var newMappings []db.NewMapping
	if err := s.tx.Where("new_file_id = ?", nf.ID).Find(&newMappings).Error; err != nil {
		return fmt.Errorf("manifest: list new mappings of %q: %w", nf.Path, err)
	}
	for _, nm := range newMappings {
		m := db.Mapping{FileID: fileID, Offset: nm.Offset, BlockID: nm.BlockID}
		if err := s.tx.Create(&m).Error; err != nil {
			return fmt.Errorf("manifest: insert mapping for %q at %d: %w", nf.Path, nm.Offset, err)
		}
		s.capture.PutMapping(m)
	}

	if err := s.tx.Clauses(onConflictIgnore).Create(&db.VisitedFile{FileID: fileID}).Error; err != nil {
		return fmt.Errorf("manifest: mark %q visited: %w", nf.Path, err)
	}
	if err := s.tx.Delete(&db.NewFile{}, nf.ID).Error; err != nil {
		return fmt.Errorf("manifest: delete promoted new file %q: %w", nf.Path, err)
	}
	return nil
}

// garbageCollect deletes every File, Directory, and SymbolicLink whose id
// was not recorded in this session's visited-* scratch tables, then
// removes Blocks left unreferenced and Archives left blockless (spec
// §4.7.1 step 8). It returns the blob identity of every collected
// archive so the caller can remove it from the remote store once the
// transaction commits.
func (s *Session) garbageCollect() ([]orphanBlob, error) {
	var files []db.File
	if err := s.tx.Where("id NOT IN (SELECT file_id FROM visited_files)").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("manifest: list unvisited files: %w", err)
	}
	for _, f := range files {
		var mappings []db.Mapping
		if err := s.tx.Where("file_id = ?", f.ID).Find(&mappings).Error; err != nil {
			return nil, fmt.Errorf("manifest: list mappings of unvisited file %d: %w", f.ID, err)
		}
		if err := s.tx.Delete(&db.File{}, f.ID).Error; err != nil {
			return nil, fmt.Errorf("manifest: delete unvisited file %d: %w", f.ID, err)
		}
		for _, m := range mappings {
			s.capture.DeleteMapping(changeset.MappingKey{FileID: m.FileID, Offset: m.Offset})
		}
		s.capture.DeleteFile(f.ID)
	}

	var dirs []db.Directory
	if err := s.tx.Where("id NOT IN (SELECT directory_id FROM visited_directories)").Find(&dirs).Error; err != nil {
		return nil, fmt.Errorf("manifest: list unvisited directories: %w", err)
	}
	for _, d := range dirs {
		if err := s.tx.Delete(&db.Directory{}, d.ID).Error; err != nil {
			return nil, fmt.Errorf("manifest: delete unvisited directory %d: %w", d.ID, err)
		}
		s.capture.DeleteDirectory(d.ID)
	}

	var links []db.SymbolicLink
	if err := s.tx.Where("id NOT IN (SELECT symlink_id FROM visited_symlinks)").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("manifest: list unvisited symlinks: %w", err)
	}
	for _, l := range links {
		if err := s.tx.Delete(&db.SymbolicLink{}, l.ID).Error; err != nil {
			return nil, fmt.Errorf("manifest: delete unvisited symlink %d: %w", l.ID, err)
		}
		s.capture.DeleteSymlink(l.ID)
	}

	var blocks []db.Block
	if err := s.tx.Where("id NOT IN (SELECT block_id FROM mappings)").Find(&blocks).Error; err != nil {
		return nil, fmt.Errorf("manifest: list unreferenced blocks: %w", err)
	}
	for _, b := range blocks {
		if err := s.tx.Delete(&db.Block{}, b.ID).Error; err != nil {
			return nil, fmt.Errorf("manifest: delete unreferenced block %d: %w", b.ID, err)
		}
		s.capture.DeleteBlock(b.ID)
	}

	return collectBlocklessArchives(s.tx, s.capture)
}

// CommitBackup implements spec §4.7.1 steps 5-10: it checks the
// interrupted flag, finishes or discards the in-flight archive,
// promotes closed new files, runs garbage collection (unless
// interrupted or keep_deleted_files is set), uploads the session
// change-set as a patchset, commits, and finally removes orphaned
// archive blobs from the remote store.
func (s *Session) CommitBackup(ctx context.Context) error {
	interrupted := s.m.Interrupted()

	s.mu.Lock()
	empty := s.packer.Empty()
	var sealed archive.Sealed
	var uncompressedLen uint64
	sealForUpload := !interrupted && !empty
	if sealForUpload {
		uncompressedLen = s.packer.Offset()
		sealed = s.packer.Seal()
	} else {
		if err := s.packer.Discard(s.tx); err != nil {
			s.mu.Unlock()
			s.tx.Rollback()
			return err
		}
	}
	s.mu.Unlock()

	if sealForUpload {
		name, fileID, length, err := archive.Upload(ctx, s.m.store, s.m.cfg.Key, s.m.cfg.CompressionLevel, sealed)
		if err != nil {
			s.tx.Rollback()
			return err
		}
		logger.Info("sealed final archive", logger.ArchiveID(sealed.ArchiveID), logger.BlobName(name), logger.Bytes(int64(length)))

		s.mu.Lock()
		err = archive.ApplyUploadResult(s.tx, s.capture, sealed.ArchiveID, uncompressedLen, fileID, length)
		s.mu.Unlock()
		if err != nil {
			s.tx.Rollback()
			return err
		}
	}

	s.mu.Lock()
	promoteErr := s.promoteClosedFiles()
	s.mu.Unlock()
	if promoteErr != nil {
		s.tx.Rollback()
		return promoteErr
	}

	var orphans []orphanBlob
	if !interrupted && !s.m.cfg.KeepDeletedFiles {
		var err error
		orphans, err = s.garbageCollect()
		if err != nil {
			s.tx.Rollback()
			return err
		}
	}

	cs := s.capture.ChangeSet()
	if cs.Empty() {
		s.tx.Rollback()
		return db.ErrNoChanges
	}

	row, err := patchset.Upload(ctx, s.tx, s.m.store, s.m.cfg.Key, s.m.cfg.CompressionLevel, cs)
	if err != nil {
		s.tx.Rollback()
		return err
	}

	if err := s.tx.Commit().Error; err != nil {
		return fmt.Errorf("manifest: commit backup session: %w", err)
	}
	logger.Info("backup session committed", logger.PatchsetID(row.ID))

	removeOrphanBlobs(ctx, s.m.store, orphans)
	return nil
}
