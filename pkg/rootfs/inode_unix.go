//go:build unix

package rootfs

import (
	"io/fs"
	"syscall"
)

func inode(info fs.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st.Nlink < 2 {
		return 0, false
	}
	return uint64(st.Ino), true
}
