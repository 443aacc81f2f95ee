package fusefrontend

// Extended attributes are proxied to the backing file unencrypted. The
// attribute namespace carries things like ACLs and security labels that
// the backing filesystem interprets, so they cannot be transformed.

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/xattr"

	"github.com/encvault/encvault/internal/tlog"
)

// unpackXattrErr unwraps the errno from pkg/xattr's error wrapper.
func unpackXattrErr(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	if xerr, ok := err.(*xattr.Error); ok {
		err = xerr.Err
	}
	return fuse.ToStatus(err)
}

// GetXAttr reads the extended attribute "attr" of "plainPath".
func (d *DirNode) GetXAttr(plainPath string, attr string) ([]byte, fuse.Status) {
	cipherPath, err := d.CipherPath(plainPath)
	if err != nil {
		return nil, fuse.EIO
	}
	val, err := xattr.LGet(cipherPath, attr)
	if err != nil {
		tlog.Debug.Printf("GetXAttr %q %q: %v", cipherPath, attr, err)
		return nil, unpackXattrErr(err)
	}
	return val, fuse.OK
}

// SetXAttr sets the extended attribute "attr" of "plainPath".
func (d *DirNode) SetXAttr(plainPath string, attr string, data []byte) fuse.Status {
	cipherPath, err := d.CipherPath(plainPath)
	if err != nil {
		return fuse.EIO
	}
	return unpackXattrErr(xattr.LSet(cipherPath, attr, data))
}

// ListXAttr lists the extended attribute names of "plainPath".
func (d *DirNode) ListXAttr(plainPath string) ([]string, fuse.Status) {
	cipherPath, err := d.CipherPath(plainPath)
	if err != nil {
		return nil, fuse.EIO
	}
	names, err := xattr.LList(cipherPath)
	if err != nil {
		return nil, unpackXattrErr(err)
	}
	return names, fuse.OK
}

// RemoveXAttr removes the extended attribute "attr" of "plainPath".
func (d *DirNode) RemoveXAttr(plainPath string, attr string) fuse.Status {
	cipherPath, err := d.CipherPath(plainPath)
	if err != nil {
		return fuse.EIO
	}
	return unpackXattrErr(xattr.LRemove(cipherPath, attr))
}
