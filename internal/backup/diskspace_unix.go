//go:build unix

package backup

import "golang.org/x/sys/unix"

// DiskFree returns the bytes available to an unprivileged user on the volume holding path.
func DiskFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
