//go:build linux || darwin

package rpm2sysvpkg

import "golang.org/x/sys/unix"

func osFileWriteAccess(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

// osDiskSpace returns the bytes available to unprivileged users on the filesystem
// holding path, or -1 if that is unknown.
func osDiskSpace(path string) int64 {
	fs := unix.Statfs_t{}
	if err := unix.Statfs(path, &fs); err != nil {
		return -1
	}
	return int64(fs.Bavail) * int64(fs.Bsize)
}
