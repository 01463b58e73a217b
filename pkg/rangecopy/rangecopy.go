// Package rangecopy copies a byte range between two open files, using
// the OS's in-kernel range-copy when available and falling back to a
// user-space read-at/write-at loop otherwise (spec §4.7.3, §9): restore
// places many blocks from one archive scratch file into many
// destination files, which may live on a different filesystem than the
// scratch directory.
package rangecopy

import (
	"fmt"
	"io"
	"os"
)

const copyBufSize = 1 << 20

// Copy copies length bytes from src at srcOff to dst at dstOff.
func Copy(dst, src *os.File, dstOff, srcOff, length int64) error {
	if length == 0 {
		return nil
	}
	if ok, err := copyFileRange(dst, src, dstOff, srcOff, length); ok {
		if err != nil {
			return fmt.Errorf("rangecopy: in-kernel copy: %w", err)
		}
		return nil
	}
	return copyUserspace(dst, src, dstOff, srcOff, length)
}

// copyUserspace is the EXDEV/unsupported-platform fallback: a plain
// ReadAt/WriteAt loop.
func copyUserspace(dst, src *os.File, dstOff, srcOff, length int64) error {
	buf := make([]byte, min64(length, copyBufSize))
	remaining := length
	for remaining > 0 {
		want := min64(remaining, int64(len(buf)))
		n, err := src.ReadAt(buf[:want], srcOff)
		if n == 0 && err != nil {
			if err == io.EOF {
				return fmt.Errorf("rangecopy: short read at offset %d", srcOff)
			}
			return fmt.Errorf("rangecopy: read at offset %d: %w", srcOff, err)
		}
		if _, err := dst.WriteAt(buf[:n], dstOff); err != nil {
			return fmt.Errorf("rangecopy: write at offset %d: %w", dstOff, err)
		}
		srcOff += int64(n)
		dstOff += int64(n)
		remaining -= int64(n)
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
