package fixed

import (
	"math/big"
	"testing"
)

func TestMustWad(t *testing.T) {
	if got := MustWad("1.25"); got.String() != "1250000000000000000" {
		t.Fatalf("MustWad(1.25) = %s", got)
	}
	if got := MustWad("0"); got.Sign() != 0 {
		t.Fatalf("MustWad(0) = %s", got)
	}
	if got := MustWad("100"); got.String() != "100000000000000000000" {
		t.Fatalf("MustWad(100) = %s", got)
	}
}

func TestMulDivRoundingDirections(t *testing.T) {
	a := big.NewInt(10)
	b := big.NewInt(10)
	den := big.NewInt(3)

	if got := MulDivDown(a, b, den); got.Int64() != 33 {
		t.Fatalf("MulDivDown = %d, want 33", got.Int64())
	}
	if got := MulDivUp(a, b, den); got.Int64() != 34 {
		t.Fatalf("MulDivUp = %d, want 34", got.Int64())
	}
	// Exact division rounds identically in both directions.
	if down, up := MulDivDown(a, b, big.NewInt(5)), MulDivUp(a, b, big.NewInt(5)); down.Cmp(up) != 0 {
		t.Fatalf("exact division diverged: down=%s up=%s", down, up)
	}
}

func TestMulDivUpNeverBelowDown(t *testing.T) {
	cases := []struct{ a, b, den int64 }{
		{1, 1, 3}, {7, 13, 11}, {1000, 999, 7}, {0, 5, 3}, {123456789, 987654321, 1000003},
	}
	for _, c := range cases {
		down := MulDivDown(big.NewInt(c.a), big.NewInt(c.b), big.NewInt(c.den))
		up := MulDivUp(big.NewInt(c.a), big.NewInt(c.b), big.NewInt(c.den))
		diff := new(big.Int).Sub(up, down)
		if diff.Sign() < 0 || diff.Cmp(big.NewInt(1)) > 0 {
			t.Fatalf("a=%d b=%d den=%d: up-down=%s, want 0 or 1", c.a, c.b, c.den, diff)
		}
	}
}

func TestWadHelpers(t *testing.T) {
	price := MustWad("1.5")
	amount := MustWad("100")

	if got := WadMul(amount, price); got.Cmp(MustWad("150")) != 0 {
		t.Fatalf("WadMul = %s", got)
	}
	if got := WadDiv(MustWad("150"), price); got.Cmp(amount) != 0 {
		t.Fatalf("WadDiv = %s", got)
	}

	// 1/3 of a wad: up and down must straddle the true value by one wei.
	third := MustWad("0.333333333333333333")
	gotDown := MulDivDown(Wad, Wad, MustWad("3"))
	gotUp := MulDivUp(Wad, Wad, MustWad("3"))
	if gotDown.Cmp(third) != 0 {
		t.Fatalf("floor(1/3) = %s, want %s", gotDown, third)
	}
	if new(big.Int).Sub(gotUp, gotDown).Int64() != 1 {
		t.Fatalf("ceil-floor = %s, want 1", new(big.Int).Sub(gotUp, gotDown))
	}
}

func TestCloneAndMin(t *testing.T) {
	a := big.NewInt(5)
	c := Clone(a)
	c.Add(c, big.NewInt(1))
	if a.Int64() != 5 {
		t.Fatalf("Clone aliased its input")
	}
	if Clone(nil).Sign() != 0 {
		t.Fatalf("Clone(nil) not zero")
	}
	if got := Min(big.NewInt(3), big.NewInt(7)); got.Int64() != 3 {
		t.Fatalf("Min = %d", got.Int64())
	}
}
