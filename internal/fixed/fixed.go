// Package fixed isolates the wad (1e18) fixed-point arithmetic the engines
// depend on. Rounding direction is explicit at every call site: conversions
// that compute debt owed round up, conversions that compute repayment credit
// round down, so rounding error always lands in the system's favor.
package fixed

import (
	"fmt"
	"math/big"
)

// Wad is the 1e18 scaling factor shared by all amounts, prices and
// accumulators.
var Wad = mustBigInt("1000000000000000000")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("fixed: invalid big integer constant")
	}
	return v
}

// ParseWad parses a decimal string ("1.25") into a wad-scaled integer,
// truncating any sub-wei precision.
func ParseWad(value string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("fixed: invalid decimal %q", value)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(Wad))
	if !scaled.IsInt() {
		return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
	}
	return new(big.Int).Set(scaled.Num()), nil
}

// MustWad is ParseWad for constants and tests; it panics on malformed input.
func MustWad(value string) *big.Int {
	v, err := ParseWad(value)
	if err != nil {
		panic(err.Error())
	}
	return v
}

// MulDivDown returns floor(a*b/den).
func MulDivDown(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// MulDivUp returns ceil(a*b/den).
func MulDivUp(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	rem := new(big.Int)
	out.QuoRem(out, den, rem)
	if rem.Sign() > 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// WadMul returns floor(a*b/1e18).
func WadMul(a, b *big.Int) *big.Int {
	return MulDivDown(a, b, Wad)
}

// WadMulUp returns ceil(a*b/1e18).
func WadMulUp(a, b *big.Int) *big.Int {
	return MulDivUp(a, b, Wad)
}

// WadDiv returns floor(a*1e18/b).
func WadDiv(a, b *big.Int) *big.Int {
	return MulDivDown(a, Wad, b)
}

// WadDivUp returns ceil(a*1e18/b).
func WadDivUp(a, b *big.Int) *big.Int {
	return MulDivUp(a, Wad, b)
}

// Min returns the smaller of a and b as a fresh value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Zero returns a fresh zero value.
func Zero() *big.Int {
	return new(big.Int)
}

// Clone returns a defensive copy, mapping nil to zero.
func Clone(a *big.Int) *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a)
}
