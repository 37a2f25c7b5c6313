package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewOperatorAddressDerivation(t *testing.T) {
	const keyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	bare, err := NewOperator(keyHex)
	if err != nil {
		t.Fatalf("new operator: %v", err)
	}
	prefixed, err := NewOperator("0x" + keyHex)
	if err != nil {
		t.Fatalf("new operator with prefix: %v", err)
	}
	if bare.Address() != prefixed.Address() {
		t.Fatalf("address differs by prefix: %s vs %s", bare.Address(), prefixed.Address())
	}
	if bare.Address() == (common.Address{}) {
		t.Fatal("derived address is zero")
	}

	if _, err := NewOperator("not-a-key"); err == nil {
		t.Fatal("invalid key accepted")
	}
}
