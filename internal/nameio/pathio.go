package nameio

import "strings"

// PathIO encodes and decodes whole paths on top of a single-component
// codec. Components are split on '/'. When chained name IVs are enabled,
// each component's 64-bit checksum becomes part of the IV of the next
// component, so identical leaf names under different parents encode
// differently. The chain starts at 0 for the root.
type PathIO struct {
	codec             Codec
	chainedNameIV     bool
	reverseEncryption bool
}

// NewPathIO wraps "codec" in path-level encoding.
func NewPathIO(codec Codec, chainedNameIV, reverseEncryption bool) *PathIO {
	return &PathIO{
		codec:             codec,
		chainedNameIV:     chainedNameIV,
		reverseEncryption: reverseEncryption,
	}
}

// Codec returns the underlying single-component codec.
func (p *PathIO) Codec() Codec {
	return p.codec
}

// ChainedNameIV reports whether sibling name encodings depend on ancestor
// directory names. When true, renaming a directory requires re-encoding
// every descendant.
func (p *PathIO) ChainedNameIV() bool {
	return p.chainedNameIV
}

// ReverseEncryption reports the configured direction.
func (p *PathIO) ReverseEncryption() bool {
	return p.reverseEncryption
}

// EncodeName encodes a single component without IV chaining.
func (p *PathIO) EncodeName(name string) (string, error) {
	return p.codec.EncodeName([]byte(name), nil)
}

// DecodeName decodes a single component without IV chaining.
func (p *PathIO) DecodeName(name string) (string, error) {
	bin, err := p.codec.DecodeName(name, nil)
	if err != nil {
		return "", err
	}
	return string(bin), nil
}

// EncodePath encodes every component of "path". A leading '/' encodes
// identically to its absence.
func (p *PathIO) EncodePath(path string) (string, error) {
	var iv uint64
	return p.EncodePathIV(path, &iv)
}

// EncodePathIV is EncodePath with the chained IV threaded through "iv".
// On return, *iv holds the chain value after the last component, which is
// the IV a child of "path" would be encoded under.
func (p *PathIO) EncodePathIV(path string, iv *uint64) (string, error) {
	return p.recodePath(path, iv, func(comp string, tmpIV *uint64) (string, error) {
		return p.codec.EncodeName([]byte(comp), tmpIV)
	})
}

// DecodePath decodes every component of "path".
func (p *PathIO) DecodePath(path string) (string, error) {
	var iv uint64
	return p.DecodePathIV(path, &iv)
}

// DecodePathIV is DecodePath with the chained IV threaded through "iv".
func (p *PathIO) DecodePathIV(path string, iv *uint64) (string, error) {
	return p.recodePath(path, iv, func(comp string, tmpIV *uint64) (string, error) {
		bin, err := p.codec.DecodeName(comp, tmpIV)
		if err != nil {
			return "", err
		}
		return string(bin), nil
	})
}

// recodePath walks the components of "path" and runs "code" on each one.
// "." and ".." pass through unchanged and do not advance the chain.
func (p *PathIO) recodePath(path string, iv *uint64, code func(string, *uint64) (string, error)) (string, error) {
	var out strings.Builder
	rest := path
	for len(rest) > 0 {
		if rest[0] == '/' {
			if out.Len() > 0 {
				out.WriteByte('/')
			}
			rest = rest[1:]
			continue
		}
		comp := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			comp = rest[:idx]
			rest = rest[idx:]
		} else {
			rest = ""
		}
		if comp == "." || comp == ".." {
			out.WriteString(comp)
			continue
		}
		tmpIV := uint64(0)
		if iv != nil && p.chainedNameIV {
			tmpIV = *iv
		}
		coded, err := code(comp, &tmpIV)
		if err != nil {
			return "", err
		}
		if iv != nil && p.chainedNameIV {
			*iv = tmpIV
		}
		out.WriteString(coded)
	}
	return out.String(), nil
}
