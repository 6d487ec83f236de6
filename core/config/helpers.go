package config

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func convertToAddressSlice(addresses []string) []common.Address {
	result := make([]common.Address, len(addresses))
	for i, addr := range addresses {
		result[i] = common.HexToAddress(addr)
	}
	return result
}

// ethToWei converts a decimal ETH string such as "0.1" into wei. An empty
// string means "not configured" and maps to nil.
func ethToWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}

	eth, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ETH amount %q: %w", s, err)
	}
	if eth.Sign() < 0 {
		return nil, fmt.Errorf("invalid ETH amount %q: must not be negative", s)
	}

	wei := eth.Mul(decimal.New(1, 18))
	if !wei.IsInteger() {
		return nil, fmt.Errorf("invalid ETH amount %q: finer than one wei", s)
	}
	return wei.BigInt(), nil
}
