// Package eip1559 suggests fee-market bounds for UserOperations.
package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// Floors substituted when live estimation is unavailable. Never zero: a
	// zero fee bound would make the operation permanently unrelayable.
	FallbackMaxFeePerGas         = big.NewInt(1_000_000_000) // 1 gwei
	FallbackMaxPriorityFeePerGas = big.NewInt(1_000_000_000) // 1 gwei

	// Minimum tip for bundler profitability
	minTip = big.NewInt(2_000_000_000) // 2 gwei
)

// FeeReader is the slice of an eth client needed for fee suggestion.
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) for the next block.
func SuggestFee(ctx context.Context, client FeeReader) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	// Add 13% buffer to tip for safety
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer = new(big.Int).Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if maxPriorityFeePerGas.Cmp(minTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(minTip)
	}

	var maxFeePerGas *big.Int

	baseFee := header.BaseFee
	if baseFee != nil {
		// maxFeePerGas must cover baseFee + tip; 2x baseFee gives headroom for
		// baseFee increases between blocks
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(baseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)
	} else {
		// Legacy (pre-EIP-1559) chain
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}

// SuggestFeeWithFallback never fails: when the ledger query errors out it
// substitutes the conservative floors so the caller can keep building.
func SuggestFeeWithFallback(ctx context.Context, client FeeReader) (*big.Int, *big.Int) {
	maxFee, maxPriority, err := SuggestFee(ctx, client)
	if err != nil {
		return new(big.Int).Set(FallbackMaxFeePerGas), new(big.Int).Set(FallbackMaxPriorityFeePerGas)
	}
	return maxFee, maxPriority
}
