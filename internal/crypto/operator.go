package crypto

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Operator is the ledger operator's identity. The operator address gates
// privileged operations such as global shutdown and profit sweeps.
type Operator struct {
	address common.Address
}

// NewOperator derives an Operator from a hex-encoded secp256k1 private key
// (with or without 0x prefix), as returned by LoadKey. Only the derived
// address is retained.
func NewOperator(privateKeyHex string) (*Operator, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/operator: invalid private key: %w", err)
	}

	return &Operator{
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the operator's key.
func (o *Operator) Address() common.Address {
	return o.address
}
