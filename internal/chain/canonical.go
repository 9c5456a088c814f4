package chain

import (
	"bytes"
	"encoding/binary"

	"github.com/officialcmg/echo/internal/address"
)

// FormatVersion is the magic written at the start of every canonical revision.
const FormatVersion = "echo-rev/1"

const (
	absent  byte = 0x00
	present byte = 0x01
)

// Canonical encodes r in the fixed external format:
//
//	str(FormatVersion) u64(sequenceIndex) str(contentHash)
//	opt(previousHash) opt(scheme, identity, value) opt(medium, externalID)
//
// str is a uint32 big-endian length followed by the bytes; opt is a presence
// byte (0x00 absent, 0x01 present) followed by its strs. SelfHash and the
// genesis Content are not part of the encoding; Content is bound through
// ContentHash.
func Canonical(r Revision) []byte {
	var buf bytes.Buffer
	writeStr(&buf, FormatVersion)

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], r.SequenceIndex)
	buf.Write(idx[:])

	writeStr(&buf, string(r.ContentHash))

	if r.PreviousHash.IsZero() {
		buf.WriteByte(absent)
	} else {
		buf.WriteByte(present)
		writeStr(&buf, string(r.PreviousHash))
	}

	if r.Signature == nil {
		buf.WriteByte(absent)
	} else {
		buf.WriteByte(present)
		writeStr(&buf, r.Signature.Scheme)
		writeStr(&buf, r.Signature.PublicIdentity)
		writeStr(&buf, r.Signature.Value)
	}

	if r.WitnessRef == nil {
		buf.WriteByte(absent)
	} else {
		buf.WriteByte(present)
		writeStr(&buf, r.WitnessRef.Medium)
		writeStr(&buf, r.WitnessRef.ExternalID)
	}
	return buf.Bytes()
}

// LinkForm returns the canonical encoding of r with both attachment slots
// absent. This is the input of selfHash.
func LinkForm(r Revision) []byte {
	r.Signature = nil
	r.WitnessRef = nil
	return Canonical(r)
}

// ComputeSelfHash addresses the link form of r with a.
func ComputeSelfHash(a *address.Addresser, r Revision) address.Hash {
	return a.AddressOf(LinkForm(r))
}

// RecomputeSelfHash recomputes r's selfHash under the algorithm named by the
// stored SelfHash. ok is false when that algorithm is unknown.
func RecomputeSelfHash(r Revision) (h address.Hash, ok bool) {
	a, err := address.ForHash(r.SelfHash)
	if err != nil {
		return "", false
	}
	return ComputeSelfHash(a, r), true
}

func writeStr(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}
