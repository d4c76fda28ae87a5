package types

import (
	"encoding/hex"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Hash is a 256-bit digest: request hashes, liability hashes, epoch block
// digests, and tip references all share this representation.
type Hash [32]byte

// ZeroHash is the nil hash, used to mean "no previous"/"no tip".
var ZeroHash = Hash{}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Bytes returns a copy of the underlying bytes.
func (h Hash) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, h[:])
	return out
}

// String renders the hash as 0x-prefixed hex.
func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// HashFromBytes copies the supplied bytes into a Hash, left-padding if
// shorter than 32 bytes.
func HashFromBytes(b []byte) Hash {
	var h Hash
	if len(b) >= 32 {
		copy(h[:], b[len(b)-32:])
	} else {
		copy(h[32-len(b):], b)
	}
	return h
}

// Keccak256 hashes the concatenation of the supplied byte slices. Every
// content-addressed key in the store (request hashes, liability hashes,
// epoch digests) is derived through here.
func Keccak256(parts ...[]byte) Hash {
	return HashFromBytes(ethcrypto.Keccak256(parts...))
}

// Epoch is a 32-bit monotonically increasing epoch number.
type Epoch uint32
