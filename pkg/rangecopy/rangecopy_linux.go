//go:build linux

package rangecopy

import (
	"os"

	"golang.org/x/sys/unix"
)

// copyFileRange attempts the in-kernel range copy via copy_file_range(2).
// ok=false tells Copy to fall back to the user-space loop — this is the
// expected outcome on EXDEV (cross-filesystem) and on filesystems that
// don't support it.
func copyFileRange(dst, src *os.File, dstOff, srcOff, length int64) (ok bool, err error) {
	so, do := srcOff, dstOff
	remaining := length
	for remaining > 0 {
		n, cerr := unix.CopyFileRange(int(src.Fd()), &so, int(dst.Fd()), &do, int(remaining), 0)
		if cerr != nil {
			switch cerr {
			case unix.EXDEV, unix.ENOSYS, unix.EINVAL:
				return false, nil
			default:
				return true, cerr
			}
		}
		if n == 0 {
			return true, nil
		}
		remaining -= int64(n)
	}
	return true, nil
}
