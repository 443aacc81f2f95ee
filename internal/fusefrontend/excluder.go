package fusefrontend

import (
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/encvault/encvault/internal/fsconfig"
)

// prepareExcluder compiles the reverse-mode exclusion patterns. Returns
// nil when exclusion is unused (forward mode or no patterns).
func prepareExcluder(opts *fsconfig.Opts) *ignore.GitIgnore {
	if !opts.ReverseEncryption || len(opts.Exclude) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(opts.Exclude...)
}

// IsExcluded reports whether the plaintext path is hidden from the
// reverse-mode ciphertext view.
func (d *DirNode) IsExcluded(plainPath string) bool {
	return d.excluder != nil && d.excluder.MatchesPath(plainPath)
}
