package fusefrontend

// Volume assembly: create the configuration in a backing directory, or
// load it and build the per-mount object graph.

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/encvault/encvault/internal/configfile"
	"github.com/encvault/encvault/internal/fsconfig"
)

// InitVolume writes a fresh configuration (and volume key, sealed with
// "wrappingKey") into the backing directory. The directory must exist.
func InitVolume(backingDir string, cfg *fsconfig.Config, wrappingKey []byte) error {
	st, err := os.Stat(backingDir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%q is not a directory", backingDir)
	}
	confPath := filepath.Join(backingDir, configfile.ConfDefaultName)
	if _, err := os.Stat(confPath); err == nil {
		return fmt.Errorf("%q already contains a volume configuration", backingDir)
	}
	_, err = configfile.Create(confPath, cfg, wrappingKey)
	return err
}

// MountVolume loads the configuration from the backing directory, unseals
// the volume key and builds the mount context with its root directory
// node. "unmountFunc" is handed to the idle ticker (may be nil).
func MountVolume(backingDir string, opts *fsconfig.Opts, wrappingKey []byte, unmountFunc func() error) (*Context, *DirNode, error) {
	confPath := filepath.Join(backingDir, configfile.ConfDefaultName)
	cfg, volumeKey, err := configfile.Load(confPath, wrappingKey)
	if err != nil {
		return nil, nil, err
	}
	fc, err := fsconfig.New(cfg, opts, volumeKey)
	if err != nil {
		return nil, nil, err
	}
	ctx := NewContext(opts, unmountFunc)
	root := NewDirNode(ctx, backingDir, fc)
	ctx.SetRoot(root)
	return ctx, root, nil
}
