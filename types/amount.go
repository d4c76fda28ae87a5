// Package types holds the fixed-width value types shared across the
// governance, staking, and election core: 128-bit amounts, 256-bit
// hashes/account identifiers, and epoch numbers.
package types

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// MaxAmount is the largest representable value: 2^128 - 1. All chain
// amounts are fixed-width 128-bit unsigned integers.
var MaxAmount = func() *uint256.Int {
	max := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	return max.SubUint64(max, 1)
}()

// Amount is a 128-bit-bounded unsigned integer backed by uint256.Int.
type Amount struct {
	v uint256.Int
}

// ZeroAmount returns the additive identity.
func ZeroAmount() Amount { return Amount{} }

// NewAmount constructs an Amount from a uint64, always within bounds.
func NewAmount(v uint64) Amount {
	var a Amount
	a.v.SetUint64(v)
	return a
}

// AmountFromBig converts a big.Int, rejecting negative values or values that
// exceed the 128-bit bound.
func AmountFromBig(v *big.Int) (Amount, error) {
	if v == nil {
		return Amount{}, nil
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("types: amount must not be negative")
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return Amount{}, fmt.Errorf("types: amount overflows 256 bits")
	}
	if u.Cmp(MaxAmount) > 0 {
		return Amount{}, fmt.Errorf("types: amount exceeds 128-bit bound")
	}
	return Amount{v: *u}, nil
}

// Big returns the big.Int representation.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// Uint64 returns the value truncated to a uint64; callers must ensure the
// amount fits before relying on this for anything other than logging/tests.
func (a Amount) Uint64() uint64 { return a.v.Uint64() }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp compares two amounts the way big.Int.Cmp does.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// Add returns a+b, bounded to MaxAmount; overflow past the 128-bit bound is
// a protocol invariant violation and is reported rather than silently
// wrapped.
func (a Amount) Add(b Amount) (Amount, error) {
	var out uint256.Int
	_, overflow := out.AddOverflow(&a.v, &b.v)
	if overflow || out.Cmp(MaxAmount) > 0 {
		return Amount{}, fmt.Errorf("types: amount addition exceeds 128-bit bound")
	}
	return Amount{v: out}, nil
}

// MustAdd is Add but panics on overflow; used only where the caller has
// already proven the sum is bounded (e.g. splitting an existing amount).
func (a Amount) MustAdd(b Amount) Amount {
	out, err := a.Add(b)
	if err != nil {
		panic(err)
	}
	return out
}

// Sub returns a-b; no staking/thawing subtraction is ever allowed to
// underflow, so this is a hard error rather than clamping to zero.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.LessThan(b) {
		return Amount{}, fmt.Errorf("types: amount subtraction underflows")
	}
	var out uint256.Int
	out.Sub(&a.v, &b.v)
	return Amount{v: out}, nil
}

// SubClamped returns a-b clamped to zero, used only by callers that have
// already validated min(a,b) is the intended extraction amount.
func (a Amount) SubClamped(b Amount) Amount {
	if a.LessThan(b) {
		return Amount{}
	}
	out, _ := a.Sub(b)
	return out
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MulDivFloor computes floor(a * num / den), used for dilution-factor and
// vote-weight arithmetic. den must be non-zero.
func (a Amount) MulDivFloor(num, den uint64) (Amount, error) {
	if den == 0 {
		return Amount{}, fmt.Errorf("types: division by zero")
	}
	product := new(big.Int).Mul(a.Big(), new(big.Int).SetUint64(num))
	product.Div(product, new(big.Int).SetUint64(den))
	return AmountFromBig(product)
}

// String renders the amount in base-10.
func (a Amount) String() string { return a.v.String() }

// Bytes32 renders the amount as a big-endian 32-byte array for RLP-free
// contexts (e.g. composite store keys).
func (a Amount) Bytes32() [32]byte { return a.v.Bytes32() }

// EncodeRLP marshals the amount as an RLP big.Int, so Amount can be
// embedded directly in any RLP-encoded store record.
func (a Amount) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, a.Big())
}

// DecodeRLP restores the amount from its RLP-encoded big.Int form.
func (a *Amount) DecodeRLP(s *rlp.Stream) error {
	var v big.Int
	if err := s.Decode(&v); err != nil {
		return err
	}
	decoded, err := AmountFromBig(&v)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}
