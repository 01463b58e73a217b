//go:build !linux

package rangecopy

import "os"

// copyFileRange has no in-kernel fast path on non-Linux platforms; Copy
// always falls back to the user-space loop.
func copyFileRange(dst, src *os.File, dstOff, srcOff, length int64) (ok bool, err error) {
	return false, nil
}
