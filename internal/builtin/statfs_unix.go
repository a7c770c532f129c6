//go:build linux || darwin

package builtin

import "golang.org/x/sys/unix"

// statDisk returns total and available bytes for the filesystem at path.
func statDisk(path string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return uint64(st.Blocks) * bsize, uint64(st.Bavail) * bsize, nil
}
