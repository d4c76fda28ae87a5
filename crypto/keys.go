package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

// AccountPrefix is the sole bech32 prefix used by this chain's accounts.
// Representatives, candidates, and delegates are all ordinary accounts;
// the registries (not the address format) distinguish their roles.
const AccountPrefix AddressPrefix = "gov"

// Address represents a 32-byte account identifier with a human-readable
// bech32 prefix. The data model treats every account, representative,
// and delegate identity as a 256-bit address.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress validates and constructs a 32-byte address.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 32 {
		return Address{}, fmt.Errorf("address must be 32 bytes long, got %d", len(b))
	}
	cloned := append([]byte(nil), b...)
	return Address{prefix: prefix, bytes: cloned}, nil
}

// MustNewAddress constructs an address and panics if the input is invalid.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

// IsZero reports whether the address is the zero value (no target / none).
func (a Address) IsZero() bool {
	if len(a.bytes) == 0 {
		return true
	}
	for _, b := range a.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a defensive copy of the address bytes.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes...)
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// EncodeRLP marshals the address as a fixed 32-byte array (all-zero for the
// zero address), the same convention the rest of the store uses for
// fixed-width identifiers, so Address can be embedded directly in any
// RLP-encoded store record without a separate wire-format struct.
func (a Address) EncodeRLP(w io.Writer) error {
	var b [32]byte
	copy(b[:], a.bytes)
	return rlp.Encode(w, b)
}

// DecodeRLP restores an address from its 32-byte RLP form. Every address in
// this system shares AccountPrefix, so the prefix need not be encoded.
func (a *Address) DecodeRLP(s *rlp.Stream) error {
	var b [32]byte
	if err := s.Decode(&b); err != nil {
		return err
	}
	if b == ([32]byte{}) {
		*a = Address{}
		return nil
	}
	addr, err := NewAddress(AccountPrefix, b[:])
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// DecodeAddress parses a bech32-encoded address string.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	addr, err := NewAddress(AddressPrefix(prefix), conv)
	if err != nil {
		return Address{}, err
	}
	return addr, nil
}

// --- Key management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the 32-byte account address from the public key: the full
// Keccak256 digest of the uncompressed public key, kept at 32 bytes rather
// than truncated to the EVM-style 20-byte suffix.
func (k *PublicKey) Address() Address {
	digest := ethcrypto.Keccak256(ethcrypto.FromECDSAPub(k.PublicKey)[1:])
	return MustNewAddress(AccountPrefix, digest)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
