package manifest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/codec"
	"github.com/coldpack/coldpack/pkg/manifest/changeset"
	"github.com/coldpack/coldpack/pkg/manifest/db"
	"github.com/coldpack/coldpack/pkg/manifest/patchset"
	"github.com/coldpack/coldpack/pkg/rangecopy"
)

// manifestTables lists every table restore-manifest truncates before
// replay, child tables before the tables they reference, so sqlite's
// immediate foreign key checks pass at every step.
var manifestTables = []string{
	"mappings", "new_mappings",
	"blocks", "files", "directories", "symbolic_links",
	"new_files", "archives", "patchsets",
	"visited_files", "visited_directories", "visited_symlinks",
}

// RestoreManifest rebuilds the local manifest entirely from the remote
// patchset blob set (spec §4.7.2): list every manifest_* blob, truncate
// all manifest tables, then replay each patchset's change-set in
// ascending id order.
func (m *Manifest) RestoreManifest(ctx context.Context) error {
	infos, err := m.store.List(ctx, blobstore.PatchsetPrefix())
	if err != nil {
		return fmt.Errorf("manifest: list patchset blobs: %w", err)
	}

	type candidate struct {
		id   int64
		info blobstore.Info
	}
	candidates := make([]candidate, 0, len(infos))
	for _, info := range infos {
		id, ok := blobstore.ParsePatchsetID(info.Name)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{id: id, info: info})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	tx := m.gdb.Begin()
	if tx.Error != nil {
		return fmt.Errorf("manifest: begin restore-manifest transaction: %w", tx.Error)
	}

	for _, table := range manifestTables {
		if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("manifest: truncate %s: %w", table, err)
		}
	}

	for _, c := range candidates {
		cs, err := patchset.DownloadByID(ctx, m.store, m.cfg.Key, c.id)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("manifest: download patchset %d: %w", c.id, err)
		}
		if err := changeset.Apply(tx, cs, nil); err != nil {
			tx.Rollback()
			return fmt.Errorf("manifest: apply patchset %d: %w", c.id, err)
		}

		length := c.info.Length
		row := db.Patchset{ID: c.id, BlobFileID: &c.info.FileID, BlobLength: &length}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("manifest: record patchset %d: %w", c.id, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("manifest: commit restore-manifest: %w", err)
	}
	logger.Info("manifest restored from patchsets", logger.Count(len(candidates)))
	return nil
}

// ListFiles returns every File row matching pathFilter (a SQLite GLOB
// pattern; empty matches everything), for the list-files subcommand.
func (m *Manifest) ListFiles(pathFilter string) ([]db.File, error) {
	return db.FilesMatching(m.gdb, pathFilter)
}

// FileListing enriches a File row with the per-file archive/block
// counts the original's list_files prints alongside size and path.
type FileListing struct {
	db.File
	Archives int
	Blocks   int
}

// DirectoryListing enriches a Directory row with the count of files
// descending from it, matching the original's directory enrichment.
type DirectoryListing struct {
	db.Directory
	Files int
}

// ListInventory returns the full list-files enrichment (spec §4.7.3
// scope, supplemented from the original's list_files in
// manifest.rs: matching files with their distinct archive and block
// counts, matching directories with their contained-file counts, and
// matching symbolic links) for pathFilter, a SQLite GLOB pattern (empty
// matches everything).
func (m *Manifest) ListInventory(pathFilter string) ([]FileListing, []DirectoryListing, []db.SymbolicLink, error) {
	files, err := db.FilesMatching(m.gdb, pathFilter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("manifest: list matching files: %w", err)
	}
	fileListings := make([]FileListing, 0, len(files))
	for _, f := range files {
		archives, blocks, err := db.FileStats(m.gdb, f.ID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("manifest: stats for %q: %w", f.Path, err)
		}
		fileListings = append(fileListings, FileListing{File: f, Archives: archives, Blocks: blocks})
	}

	dirs, err := db.DirectoriesMatching(m.gdb, pathFilter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("manifest: list matching directories: %w", err)
	}
	dirListings := make([]DirectoryListing, 0, len(dirs))
	for _, d := range dirs {
		count, err := db.DirectoryFileCount(m.gdb, d.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("manifest: file count for directory %q: %w", d.Path, err)
		}
		dirListings = append(dirListings, DirectoryListing{Directory: d, Files: count})
	}

	links, err := db.SymlinksMatching(m.gdb, pathFilter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("manifest: list matching symlinks: %w", err)
	}

	return fileListings, dirListings, links, nil
}

// RestoreFiles reconstructs files, directories, and symlinks matching
// pathFilter into targetDir (spec §4.7.3). Each archive referenced by at
// least one matching file is downloaded and decompressed at most once,
// by grouping the copy work archive-outermost, file-inner.
func (m *Manifest) RestoreFiles(ctx context.Context, pathFilter, targetDir string) error {
	tx := m.gdb.Begin()
	if tx.Error != nil {
		return fmt.Errorf("manifest: begin restore-files transaction: %w", tx.Error)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	files, err := db.FilesMatching(tx, pathFilter)
	if err != nil {
		return fmt.Errorf("manifest: list matching files: %w", err)
	}
	dirs, err := db.DirectoriesMatching(tx, pathFilter)
	if err != nil {
		return fmt.Errorf("manifest: list matching directories: %w", err)
	}
	links, err := db.SymlinksMatching(tx, pathFilter)
	if err != nil {
		return fmt.Errorf("manifest: list matching symlinks: %w", err)
	}

	for _, d := range dirs {
		if err := os.MkdirAll(targetPath(targetDir, d.Path), 0755); err != nil {
			return fmt.Errorf("manifest: create directory %q: %w", d.Path, err)
		}
	}

	fileByID := make(map[int64]db.File, len(files))
	archiveFiles := make(map[int64]map[int64]struct{})
	for _, f := range files {
		fileByID[f.ID] = f
		full := targetPath(targetDir, f.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return fmt.Errorf("manifest: create parent directory for %q: %w", f.Path, err)
		}
		if err := createSparseFile(full, f.Size); err != nil {
			return fmt.Errorf("manifest: create %q: %w", f.Path, err)
		}

		var archiveIDs []int64
		if err := tx.Model(&db.Mapping{}).
			Joins("JOIN blocks ON blocks.id = mappings.block_id").
			Where("mappings.file_id = ?", f.ID).
			Distinct().Pluck("blocks.archive_id", &archiveIDs).Error; err != nil {
			return fmt.Errorf("manifest: list archives for %q: %w", f.Path, err)
		}
		for _, aid := range archiveIDs {
			set, ok := archiveFiles[aid]
			if !ok {
				set = make(map[int64]struct{})
				archiveFiles[aid] = set
			}
			set[f.ID] = struct{}{}
		}
	}

	for archiveID, fileIDs := range archiveFiles {
		if m.Interrupted() {
			break
		}
		if err := m.restoreFromArchive(ctx, tx, targetDir, archiveID, fileIDs, fileByID); err != nil {
			return err
		}
	}

	for _, f := range files {
		if err := os.Chmod(targetPath(targetDir, f.Path), os.FileMode(f.Mode)); err != nil {
			return fmt.Errorf("manifest: chmod %q: %w", f.Path, err)
		}
	}
	for _, d := range dirs {
		if err := os.Chmod(targetPath(targetDir, d.Path), os.FileMode(d.Mode)); err != nil {
			return fmt.Errorf("manifest: chmod directory %q: %w", d.Path, err)
		}
	}
	for _, l := range links {
		full := targetPath(targetDir, l.Path)
		_ = os.Remove(full)
		if err := os.Symlink(string(l.Target), full); err != nil {
			return fmt.Errorf("manifest: create symlink %q: %w", l.Path, err)
		}
	}

	committed = true
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("manifest: commit restore-files: %w", err)
	}
	logger.Info("restore complete", logger.Count(len(files)), logger.Path(targetDir))
	return nil
}

func createSparseFile(path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if size == 0 {
		return nil
	}
	return f.Truncate(int64(size))
}

// restoreFromArchive downloads and unpacks one archive exactly once,
// buffers its plaintext to a scratch file (so rangecopy has a file
// descriptor to copy from), then places every mapped block of every
// file in fileIDs at its offset in the matching destination file.
func (m *Manifest) restoreFromArchive(ctx context.Context, tx *gorm.DB, targetDir string, archiveID int64, fileIDs map[int64]struct{}, fileByID map[int64]db.File) error {
	var row db.Archive
	if err := tx.First(&row, archiveID).Error; err != nil {
		return fmt.Errorf("manifest: load archive %d: %w", archiveID, err)
	}
	if row.BlobFileID == nil {
		return fmt.Errorf("manifest: archive %d has no uploaded blob", archiveID)
	}

	name := blobstore.ArchiveBlobName(archiveID)
	raw, err := m.store.Download(ctx, name)
	if err != nil {
		return fmt.Errorf("manifest: download %q: %w", name, err)
	}
	r, err := codec.Unpack(m.cfg.Key, raw)
	if err != nil {
		return fmt.Errorf("manifest: unpack %q: %w", name, err)
	}
	defer r.Close()

	scratch, err := os.CreateTemp(m.cfg.ScratchDir, "restore-*.scratch")
	if err != nil {
		return fmt.Errorf("manifest: create restore scratch file: %w", err)
	}
	defer func() {
		scratch.Close()
		os.Remove(scratch.Name())
	}()
	if _, err := io.Copy(scratch, r); err != nil {
		return fmt.Errorf("manifest: buffer %q: %w", name, err)
	}

	for fileID := range fileIDs {
		f := fileByID[fileID]

		var mappings []db.Mapping
		if err := tx.Where("file_id = ? AND block_id IN (SELECT id FROM blocks WHERE archive_id = ?)", fileID, archiveID).
			Find(&mappings).Error; err != nil {
			return fmt.Errorf("manifest: list mappings of %q in archive %d: %w", f.Path, archiveID, err)
		}

		if err := placeBlocks(tx, scratch, targetPath(targetDir, f.Path), f.Path, mappings); err != nil {
			return err
		}
	}

	logger.Info("restored archive", logger.ArchiveID(archiveID), logger.Count(len(fileIDs)))
	return nil
}

func placeBlocks(tx *gorm.DB, scratch *os.File, destPath string, logicalPath []byte, mappings []db.Mapping) error {
	dst, err := os.OpenFile(destPath, os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("manifest: open %q for restore: %w", logicalPath, err)
	}
	defer dst.Close()

	for _, mp := range mappings {
		var block db.Block
		if err := tx.First(&block, mp.BlockID).Error; err != nil {
			return fmt.Errorf("manifest: load block %d: %w", mp.BlockID, err)
		}
		if err := rangecopy.Copy(dst, scratch, int64(mp.Offset), int64(block.ArchiveOffset), int64(block.Length)); err != nil {
			return fmt.Errorf("manifest: place block %d into %q at %d: %w", block.ID, logicalPath, mp.Offset, err)
		}
	}
	return nil
}

func targetPath(targetDir string, path []byte) string {
	return filepath.Join(targetDir, string(path))
}
