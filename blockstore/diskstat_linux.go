//go:build linux

package blockstore

import "syscall"

type diskStat struct {
	availableBytes int64
}

func statfs(path string, out *diskStat) error {
	var s syscall.Statfs_t
	if err := syscall.Statfs(path, &s); err != nil {
		return err
	}
	out.availableBytes = int64(s.Bavail) * int64(s.Bsize)
	return nil
}
