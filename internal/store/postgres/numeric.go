package postgres

import (
	"fmt"
	"math/big"
)

// Wad amounts are stored as NUMERIC(78,0) and moved over the wire as decimal
// strings; float types would silently lose the low-order digits the engine's
// rounding rules depend on.

func numericArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: malformed numeric %q", raw)
	}
	return v, nil
}
