// Package blobstore defines the abstract remote collaborator that the
// core treats as an immutable, individually named blob store: list,
// download, upload, and remove, nothing more. It is modeled on
// Backblaze B2's S3-compatible API but the interface itself names no
// vendor.
package blobstore

import (
	"context"
	"errors"
	"io"
	"strconv"
)

// ErrNotFound is returned by Download when the named blob does not exist.
var ErrNotFound = errors.New("blobstore: blob not found")

// Info describes one listed blob.
type Info struct {
	Name   string
	FileID string
	Length uint64
}

// Store is the remote collaborator consumed by the core. Implementations
// may retry transient errors internally; callers see either success or a
// terminal error.
type Store interface {
	// List returns every blob whose name carries the given prefix. Order
	// is unspecified; implementations page internally and return the
	// union.
	List(ctx context.Context, prefix string) ([]Info, error)

	// Download returns the full content of the named blob. Callers pipe
	// the result through codec.Unpack.
	Download(ctx context.Context, name string) ([]byte, error)

	// Upload atomically creates a new blob named name with the contents
	// of r, returning the store-assigned file id and length.
	Upload(ctx context.Context, name string, r io.Reader) (fileID string, length uint64, err error)

	// Remove idempotently, best-effort deletes the blob identified by
	// name and fileID. A missing blob is not an error.
	Remove(ctx context.Context, name, fileID string) error
}

// ArchivePrefix is the List prefix matching every archive blob.
func ArchivePrefix() string { return archivePrefix }

// PatchsetPrefix is the List prefix matching every patchset blob.
func PatchsetPrefix() string { return patchsetPrefix }

// ArchiveBlobName returns the canonical remote name for an archive id.
func ArchiveBlobName(id int64) string {
	return archivePrefix + strconv.FormatInt(id, 10)
}

// PatchsetBlobName returns the canonical remote name for a patchset id.
func PatchsetBlobName(id int64) string {
	return patchsetPrefix + strconv.FormatInt(id, 10)
}

// ParseArchiveID extracts the numeric id from a blob name produced by
// ArchiveBlobName, or ok=false if name does not have that shape.
func ParseArchiveID(name string) (id int64, ok bool) {
	return parseID(name, archivePrefix)
}

// ParsePatchsetID extracts the numeric id from a blob name produced by
// PatchsetBlobName, or ok=false if name does not have that shape.
func ParsePatchsetID(name string) (id int64, ok bool) {
	return parseID(name, patchsetPrefix)
}

func parseID(name, prefix string) (int64, bool) {
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	id, err := strconv.ParseInt(name[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

const (
	archivePrefix  = "archive_"
	patchsetPrefix = "manifest_"
)
