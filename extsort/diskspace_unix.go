//go:build !windows
// +build !windows

package extsort

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
)

// checkFreeSpace fails if the filesystem holding "dir" has fewer than "need"
// bytes available to unprivileged users.
func checkFreeSpace(dir string, need int64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return errors.E(err, "statfs "+dir)
	}
	avail := int64(st.Bavail) * int64(st.Bsize)
	if avail < need {
		return errors.E(fmt.Sprintf("extsort: %s: %d bytes free, spill needs %d", dir, avail, need))
	}
	return nil
}
