package syscallcompat

import (
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/encvault/encvault/internal/tlog"
)

// Setfsuid sets the filesystem uid of the calling thread and returns the
// previous value. The raw syscall is used because the return value is the
// old uid, which the libc wrapper hides.
func Setfsuid(uid int) int {
	old, _, _ := syscall.Syscall(unix.SYS_SETFSUID, uintptr(uid), 0, 0)
	return int(old)
}

// Setfsgid sets the filesystem gid of the calling thread and returns the
// previous value.
func Setfsgid(gid int) int {
	old, _, _ := syscall.Syscall(unix.SYS_SETFSGID, uintptr(gid), 0, 0)
	return int(old)
}

// AsUser runs "fn" with the filesystem uid/gid of the calling thread set
// to "uid"/"gid", restoring the previous values on every exit path. A zero
// id is not overridden. The goroutine is pinned to its OS thread for the
// duration because fsuid/fsgid are per-thread attributes.
func AsUser(uid int, gid int, fn func() error) error {
	if uid == 0 && gid == 0 {
		return fn()
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if gid != 0 {
		oldgid := Setfsgid(gid)
		defer func() {
			if Setfsgid(oldgid) != gid {
				tlog.Debug.Printf("AsUser: fsgid restore to %d raced", oldgid)
			}
		}()
	}
	if uid != 0 {
		olduid := Setfsuid(uid)
		defer func() {
			if Setfsuid(olduid) != uid {
				tlog.Debug.Printf("AsUser: fsuid restore to %d raced", olduid)
			}
		}()
	}
	return fn()
}
