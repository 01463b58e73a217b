package db

import "errors"

// Sentinel errors surfaced by manifest database operations, grouped the
// way the teacher groups them in pkg/controlplane/models/errors.go.
var (
	ErrBlockNotFound    = errors.New("db: block not found")
	ErrArchiveNotFound  = errors.New("db: archive not found")
	ErrFileNotFound     = errors.New("db: file not found")
	ErrPatchsetNotFound = errors.New("db: patchset not found")

	// ErrNotEnoughSmallPatchsets is returned by patchset compaction when
	// fewer than two patchsets qualify for the small-patchset tail.
	ErrNotEnoughSmallPatchsets = errors.New("db: not enough small patchsets to compact")

	// ErrIntegrityMismatch is fatal: a recomputed digest did not match the
	// stored digest during archive compaction.
	ErrIntegrityMismatch = errors.New("db: integrity mismatch during compaction")

	// ErrNoChanges is returned when a backup session's change-set is
	// empty at commit time.
	ErrNoChanges = errors.New("db: no changes recorded")
)
