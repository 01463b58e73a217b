// Package db defines the manifest schema and opens the GORM-backed
// SQLite database that holds it, the way the teacher's
// pkg/controlplane/store wires GORM against glebarez/sqlite.
package db

// Patchset is one uploaded manifest change-set (spec §3). BlobFileID and
// BlobLength are null until upload completes.
type Patchset struct {
	ID         int64   `gorm:"primaryKey;autoIncrement"`
	BlobFileID *string `gorm:"size:128"`
	BlobLength *uint64
}

func (Patchset) TableName() string { return "patchsets" }

// Archive is one remote blob packing many blocks (spec §3).
type Archive struct {
	ID                 int64   `gorm:"primaryKey;autoIncrement"`
	UncompressedLength *uint64
	BlobFileID         *string `gorm:"size:128"`
	BlobLength         *uint64

	Blocks []Block `gorm:"foreignKey:ArchiveID;constraint:OnDelete:CASCADE"`
}

func (Archive) TableName() string { return "archives" }

// File is a regular file's current state, keyed uniquely by path.
type File struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Path []byte `gorm:"uniqueIndex;type:blob;not null"`
	Size uint64 `gorm:"not null"`
	Mode uint32 `gorm:"not null"`

	Mappings []Mapping `gorm:"foreignKey:FileID;constraint:OnDelete:CASCADE"`
}

func (File) TableName() string { return "files" }

// Directory is a directory's current state, keyed uniquely by path.
type Directory struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Path []byte `gorm:"uniqueIndex;type:blob;not null"`
	Mode uint32 `gorm:"not null"`
}

func (Directory) TableName() string { return "directories" }

// SymbolicLink is a symlink's current state, keyed uniquely by path.
type SymbolicLink struct {
	ID     int64  `gorm:"primaryKey;autoIncrement"`
	Path   []byte `gorm:"uniqueIndex;type:blob;not null"`
	Target []byte `gorm:"type:blob;not null"`
}

func (SymbolicLink) TableName() string { return "symbolic_links" }

// Block is a content-addressed, deduplicated chunk, keyed uniquely by
// digest.
type Block struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Digest        []byte `gorm:"uniqueIndex;type:blob;size:32;not null"`
	Length        uint64 `gorm:"not null"`
	ArchiveID     int64  `gorm:"not null;index"`
	ArchiveOffset uint64 `gorm:"not null"`

	Mappings []Mapping `gorm:"foreignKey:BlockID;constraint:OnDelete:CASCADE"`
}

func (Block) TableName() string { return "blocks" }

// Mapping places a block at a given offset in a file.
type Mapping struct {
	FileID  int64 `gorm:"primaryKey;autoIncrement:false"`
	Offset  uint64 `gorm:"primaryKey;autoIncrement:false"`
	BlockID int64 `gorm:"not null;index"`
}

func (Mapping) TableName() string { return "mappings" }

// NewFile is a scratch row for a file currently being streamed by the
// walker within the session in progress.
type NewFile struct {
	ID     int64  `gorm:"primaryKey;autoIncrement"`
	Path   []byte `gorm:"uniqueIndex;type:blob;not null"`
	Size   uint64 `gorm:"not null"`
	Mode   uint32 `gorm:"not null"`
	Closed bool   `gorm:"not null;default:false"`

	NewMappings []NewMapping `gorm:"foreignKey:NewFileID;constraint:OnDelete:CASCADE"`
}

func (NewFile) TableName() string { return "new_files" }

// NewMapping is a scratch mapping row for a NewFile.
type NewMapping struct {
	NewFileID int64  `gorm:"primaryKey;autoIncrement:false"`
	Offset    uint64 `gorm:"primaryKey;autoIncrement:false"`
	BlockID   int64  `gorm:"not null;index"`
}

func (NewMapping) TableName() string { return "new_mappings" }

// VisitedFile, VisitedDirectory, VisitedSymlink record entities seen by
// the walker in the session in progress; used to garbage-collect
// unvisited entities at session end.
type VisitedFile struct {
	FileID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (VisitedFile) TableName() string { return "visited_files" }

type VisitedDirectory struct {
	DirectoryID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (VisitedDirectory) TableName() string { return "visited_directories" }

type VisitedSymlink struct {
	SymlinkID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (VisitedSymlink) TableName() string { return "visited_symlinks" }

// AllModels returns every GORM model for auto-migration, mirroring the
// teacher's models.AllModels.
func AllModels() []any {
	return []any{
		&Patchset{},
		&Archive{},
		&File{},
		&Directory{},
		&SymbolicLink{},
		&Block{},
		&Mapping{},
		&NewFile{},
		&NewMapping{},
		&VisitedFile{},
		&VisitedDirectory{},
		&VisitedSymlink{},
	}
}
