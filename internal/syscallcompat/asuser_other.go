//go:build !linux
// +build !linux

package syscallcompat

// Filesystem uid/gid overrides are a Linux concept. On other platforms the
// operation runs with the process credentials.

// Setfsuid is a no-op outside Linux.
func Setfsuid(uid int) int {
	return uid
}

// Setfsgid is a no-op outside Linux.
func Setfsgid(gid int) int {
	return gid
}

// AsUser runs "fn" without credential override.
func AsUser(uid int, gid int, fn func() error) error {
	return fn()
}
