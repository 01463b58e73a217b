// Package manifest orchestrates backup, restore, collection, and purge
// sessions across the chunker, pack codec, archive packer, and patchset
// pipeline (spec §4.7). It owns the single mutex-protected Update
// record described in spec §5: the current archive id, archive offset,
// scratch file, and database transaction handle that every block
// admission, file open/close, and directory/symlink recording passes
// through.
package manifest

import (
	"fmt"
	"sync/atomic"

	"gorm.io/gorm"

	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/manifest/db"
)

// Config holds the knobs spec §6 lists under "Configuration file" that
// bear directly on manifest behavior. internal/config loads the full
// file and maps it onto this struct.
type Config struct {
	Key                      []byte
	CompressionLevel         int
	MinArchiveLen            uint64
	MaxManifestLen           uint64
	KeepDeletedFiles         bool
	SmallArchivesUpperLimit  int
	SmallArchivesLowerLimit  int
	SmallPatchsetsLimit      int
	ScratchDir               string
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		CompressionLevel: 17,
		MinArchiveLen:    50_000_000,
		MaxManifestLen:   10_000_000,
	}
}

// Manifest is the orchestration handle for one local manifest database
// plus its remote BlobStore.
type Manifest struct {
	gdb   *gorm.DB
	store blobstore.Store
	cfg   Config

	interrupted atomic.Bool
}

// Open opens the manifest database at path (creating and migrating it if
// absent) and returns a Manifest bound to store.
func Open(path string, store blobstore.Store, cfg Config) (*Manifest, error) {
	if len(cfg.Key) != 32 {
		return nil, fmt.Errorf("manifest: key must be 32 bytes, got %d", len(cfg.Key))
	}
	gdb, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open database: %w", err)
	}
	return &Manifest{gdb: gdb, store: store, cfg: cfg}, nil
}

// Interrupt sets this Manifest's interrupted flag (spec §5). It is safe
// to call from a signal handler.
func (m *Manifest) Interrupt() { m.interrupted.Store(true) }

// Interrupted reports whether Interrupt has been called.
func (m *Manifest) Interrupted() bool { return m.interrupted.Load() }
