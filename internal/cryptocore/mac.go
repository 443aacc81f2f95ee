package cryptocore

// Chainable truncated HMAC checksums. MAC64 is the base operation; MAC32
// and MAC16 fold its result. When a chained IV pointer is passed, the IV
// bytes are mixed into the MAC input and the pointer is updated to the full
// 64-bit result, which is what threads an IV through the components of a
// path (see the name codecs).

// MAC64 computes the 64-bit checksum of "data". When "chainedIV" is
// non-nil, its value is hashed along with the data and it is updated to the
// result before returning.
func (c *Cipher) MAC64(data []byte, chainedIV *uint64) uint64 {
	c.mu.Lock()
	h := c.macCtx
	h.Reset()
	h.Write(data)
	if chainedIV != nil {
		// Chained IV bytes are fed in low byte first
		var ivBuf [8]byte
		tmp := *chainedIV
		for i := 0; i < 8; i++ {
			ivBuf[i] = byte(tmp & 0xff)
			tmp >>= 8
		}
		h.Write(ivBuf[:])
	}
	md := h.Sum(nil)
	c.mu.Unlock()

	// Fold the digest down to 8 bytes. The last digest byte is left out,
	// which matches the on-disk format this implements.
	var fold [8]byte
	for i := 0; i < len(md)-1; i++ {
		fold[i%8] ^= md[i]
	}
	value := uint64(fold[0])
	for i := 1; i < 8; i++ {
		value = (value << 8) | uint64(fold[i])
	}

	if chainedIV != nil {
		*chainedIV = value
	}
	return value
}

// MAC32 folds MAC64 down to 32 bits.
func (c *Cipher) MAC32(data []byte, chainedIV *uint64) uint32 {
	m64 := c.MAC64(data, chainedIV)
	return uint32(m64>>32) ^ uint32(m64)
}

// MAC16 folds MAC32 down to 16 bits. This is the checksum stored in
// encoded filenames.
func (c *Cipher) MAC16(data []byte, chainedIV *uint64) uint16 {
	m32 := c.MAC32(data, chainedIV)
	return uint16(m32>>16) ^ uint16(m32)
}
