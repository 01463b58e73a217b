package logger

import "log/slog"

// Standard field keys for structured logging, scoped to the backup domain:
// sessions, files, blocks, archives, patchsets, and the blob store.
const (
	KeyPath       = "path"
	KeySize       = "size"
	KeyMode       = "mode"
	KeyOffset     = "offset"
	KeyLength     = "length"
	KeyDigest     = "digest"
	KeyArchiveID  = "archive_id"
	KeyPatchsetID = "patchset_id"
	KeyBlobName   = "blob_name"
	KeyBytes      = "bytes"
	KeyCount      = "count"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"
	KeyBucket     = "bucket"
)

// Path returns a slog.Attr for a file/directory path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// Size returns a slog.Attr for a byte size.
func Size(s uint64) slog.Attr { return slog.Uint64(KeySize, s) }

// Mode returns a slog.Attr for a Unix mode bitmask.
func Mode(m uint32) slog.Attr { return slog.Any(KeyMode, m) }

// Offset returns a slog.Attr for a byte offset.
func Offset(off uint64) slog.Attr { return slog.Uint64(KeyOffset, off) }

// Length returns a slog.Attr for a byte length.
func Length(n uint64) slog.Attr { return slog.Uint64(KeyLength, n) }

// Digest returns a slog.Attr for a hex-encoded content digest.
func Digest(hex string) slog.Attr { return slog.String(KeyDigest, hex) }

// ArchiveID returns a slog.Attr for an archive id.
func ArchiveID(id int64) slog.Attr { return slog.Int64(KeyArchiveID, id) }

// PatchsetID returns a slog.Attr for a patchset id.
func PatchsetID(id int64) slog.Attr { return slog.Int64(KeyPatchsetID, id) }

// BlobName returns a slog.Attr for a remote blob name.
func BlobName(name string) slog.Attr { return slog.String(KeyBlobName, name) }

// Bytes returns a slog.Attr for a byte count.
func Bytes(n int64) slog.Attr { return slog.Int64(KeyBytes, n) }

// Count returns a slog.Attr for a generic count.
func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// MaxRetries returns a slog.Attr for the maximum retry attempts.
func MaxRetries(n int) slog.Attr { return slog.Int(KeyMaxRetries, n) }

// Bucket returns a slog.Attr for a bucket name.
func Bucket(name string) slog.Attr { return slog.String(KeyBucket, name) }
