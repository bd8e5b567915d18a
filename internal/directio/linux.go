//go:build linux

package directio

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	AlignSize = 4096
	BlockSize = 4096
	DirectIO  = true
)

// OpenFile opens name with O_DIRECT so reads/writes bypass the page
// cache, matching the F_NOCACHE behavior in darwin.go.
func OpenFile(name string, flag int, perm os.FileMode) (file *os.File, err error) {
	return os.OpenFile(name, flag|unix.O_DIRECT, perm)
}
