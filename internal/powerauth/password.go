package powerauth

import "unicode/utf8"

// Password is a mutable, XOR-masked password buffer (spec §5,
// original_source Password.cpp): the UTF-8 bytes of every character are
// XORed with a 16-byte random mask key repeated over the data; the mask
// is generated when the password is created and again on Clear, so a
// single memory-disclosure bug does not hand over the plaintext
// password as a contiguous buffer.
type Password struct {
	buf     []byte // randomPad || maskedData, len(randomPad) == maskKeySize
	charPos []int  // per-character byte offsets into buf, relative to len(randomPad)
	mutable bool
}

const maskKeySize = 16

// NewMutablePassword returns an empty, editable Password.
func NewMutablePassword() (*Password, error) {
	p := &Password{mutable: true}
	if err := p.reinitMutable(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewImmutablePassword wraps already-known plaintext bytes (e.g. decoded
// from a PUK or a pre-hashed biometric handle) behind the same masking
// scheme; it supports comparison but not character-level editing.
func NewImmutablePassword(data []byte) (*Password, error) {
	pad, err := randomBytes(maskKeySize, false)
	if err != nil {
		return nil, wrapErr(Encryption, "failed to generate password mask", err)
	}
	p := &Password{mutable: false}
	p.buf = append(append([]byte{}, pad...), data...)
	p.inplaceXor(maskKeySize)
	return p, nil
}

func (p *Password) reinitMutable() error {
	pad, err := randomBytes(maskKeySize, false)
	if err != nil {
		return wrapErr(Encryption, "failed to generate password mask", err)
	}
	p.buf = append([]byte{}, pad...)
	p.charPos = nil
	return nil
}

// IsMutable reports whether character-level edits are permitted.
func (p *Password) IsMutable() bool { return p.mutable }

// Length returns the number of characters currently stored in a mutable
// password, and the number of bytes in an immutable one.
func (p *Password) Length() int {
	if p.mutable {
		return len(p.charPos)
	}
	return len(p.buf) - maskKeySize
}

// Data reveals the plaintext UTF-8 bytes. Callers should treat the
// result as sensitive and avoid retaining it longer than necessary.
func (p *Password) Data() []byte {
	dataSize := len(p.buf) - maskKeySize
	out := make([]byte, dataSize)
	for offset := 0; offset < dataSize; offset++ {
		out[offset] = p.buf[offset%maskKeySize] ^ p.buf[offset+maskKeySize]
	}
	return out
}

// Equals compares two passwords by their revealed plaintext.
func (p *Password) Equals(other *Password) bool {
	return byteSliceEqual(p.Data(), other.Data())
}

// Clear resets a mutable password back to empty; no-op (returns false)
// on an immutable password.
func (p *Password) Clear() bool {
	if !p.mutable {
		return false
	}
	_ = p.reinitMutable()
	return true
}

// AddCharacter appends r to the end of the password.
func (p *Password) AddCharacter(r rune) bool {
	if !p.mutable || !utf8.ValidRune(r) {
		return false
	}
	var enc [utf8.UTFMax]byte
	n := utf8.EncodeRune(enc[:], r)
	offset := len(p.buf)
	p.charPos = append(p.charPos, offset)
	p.buf = append(p.buf, enc[:n]...)
	p.inplaceXor(offset)
	return true
}

// InsertCharacter inserts r at character index idx (0 <= idx <= Length()).
func (p *Password) InsertCharacter(r rune, idx int) bool {
	if !p.mutable || idx < 0 || idx > len(p.charPos) || !utf8.ValidRune(r) {
		return false
	}
	var enc [utf8.UTFMax]byte
	n := utf8.EncodeRune(enc[:], r)
	offset := p.indexToPos(idx)

	newPos := make([]int, 0, len(p.charPos)+1)
	newPos = append(newPos, p.charPos[:idx]...)
	newPos = append(newPos, offset)
	newPos = append(newPos, p.charPos[idx:]...)
	p.charPos = newPos

	p.inplaceXor(offset) // reveal tail
	buf := make([]byte, 0, len(p.buf)+n)
	buf = append(buf, p.buf[:offset]...)
	buf = append(buf, enc[:n]...)
	buf = append(buf, p.buf[offset:]...)
	p.buf = buf
	p.inplaceXor(offset) // re-hide tail (now including the new bytes)
	p.updateIndexes(idx+1, n)
	return true
}

// RemoveLastCharacter drops the final character.
func (p *Password) RemoveLastCharacter() bool {
	if !p.mutable || len(p.charPos) == 0 {
		return false
	}
	offset := p.indexToPos(len(p.charPos) - 1)
	p.buf = p.buf[:offset]
	p.charPos = p.charPos[:len(p.charPos)-1]
	return true
}

// RemoveCharacter drops the character at index idx.
func (p *Password) RemoveCharacter(idx int) bool {
	if !p.mutable || idx < 0 || idx >= len(p.charPos) {
		return false
	}
	offset := p.indexToPos(idx)
	nBytes := p.indexToPos(idx+1) - offset

	p.inplaceXor(offset + nBytes) // reveal everything after the removed char
	p.buf = append(p.buf[:offset], p.buf[offset+nBytes:]...)
	p.inplaceXor(offset) // re-hide the shifted tail

	p.charPos = append(p.charPos[:idx], p.charPos[idx+1:]...)
	p.updateIndexes(idx, -nBytes)
	return true
}

func (p *Password) indexToPos(idx int) int {
	if idx < len(p.charPos) {
		return p.charPos[idx]
	}
	return len(p.buf)
}

func (p *Password) updateIndexes(from int, delta int) {
	for i := from; i < len(p.charPos); i++ {
		p.charPos[i] += delta
	}
}

// inplaceXor re-hides buf[begin:] by XORing each byte against the
// repeating mask key at the start of buf.
func (p *Password) inplaceXor(begin int) {
	for i := begin; i < len(p.buf); i++ {
		p.buf[i] ^= p.buf[i%maskKeySize]
	}
}
