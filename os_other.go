//go:build !linux && !darwin && !windows

package rpm2sysvpkg

import "os"

// osFileWriteAccess checks by creating a file, as there is no access(2) to ask.
func osFileWriteAccess(path string) bool {
	f, err := os.CreateTemp(path, ".rpm2sysvpkg-write-test")
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(f.Name())
	return true
}

func osDiskSpace(path string) int64 { return -1 }
