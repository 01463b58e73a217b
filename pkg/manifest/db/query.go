package db

import "gorm.io/gorm"

// matchGlob applies an optional SQLite GLOB filter to a query. An empty
// filter matches every row (spec §4.4, "glob filtering ... when absent,
// treat as match all").
func matchGlob(q *gorm.DB, filter string) *gorm.DB {
	if filter == "" {
		return q
	}
	return q.Where("path GLOB ?", filter)
}

// FilesMatching returns every File row whose path matches filter.
func FilesMatching(tx *gorm.DB, filter string) ([]File, error) {
	var out []File
	if err := matchGlob(tx.Model(&File{}), filter).Order("path ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DirectoriesMatching returns every Directory row whose path matches filter.
func DirectoriesMatching(tx *gorm.DB, filter string) ([]Directory, error) {
	var out []Directory
	if err := matchGlob(tx.Model(&Directory{}), filter).Order("path ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SymlinksMatching returns every SymbolicLink row whose path matches filter.
func SymlinksMatching(tx *gorm.DB, filter string) ([]SymbolicLink, error) {
	var out []SymbolicLink
	if err := matchGlob(tx.Model(&SymbolicLink{}), filter).Order("path ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FileStats returns the number of distinct archives and the number of
// blocks referencing fileID, the per-file enrichment the original's
// list_files prints alongside size and path (select_blocks_by_file in
// the reference implementation).
func FileStats(tx *gorm.DB, fileID int64) (archives int, blocks int, err error) {
	var distinctArchives int64
	if err := tx.Model(&Mapping{}).
		Joins("JOIN blocks ON blocks.id = mappings.block_id").
		Where("mappings.file_id = ?", fileID).
		Distinct("blocks.archive_id").
		Count(&distinctArchives).Error; err != nil {
		return 0, 0, err
	}

	var blockCount int64
	if err := tx.Model(&Mapping{}).Where("file_id = ?", fileID).Count(&blockCount).Error; err != nil {
		return 0, 0, err
	}

	return int(distinctArchives), int(blockCount), nil
}

// DirectoryFileCount counts files whose path descends from dirPath,
// mirroring the reference list_files directory enrichment
// (`path.join("*")` matched against select_files_by_path: SQLite GLOB's
// "*" crosses "/", so this counts files at any depth under dirPath, not
// just immediate children).
func DirectoryFileCount(tx *gorm.DB, dirPath []byte) (int, error) {
	var count int64
	pattern := string(dirPath) + "/*"
	if err := tx.Model(&File{}).Where("path GLOB ?", pattern).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}
