// Package userop defines the ERC-4337 v0.6 UserOperation record shared by the
// build/sign/relay pipeline and the sponsorship engine. An operation is treated
// as immutable once signed: mutating any field invalidates the signature and
// the result must be handled as a brand new, unsigned operation.
package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation describes one action a smart account should perform, relayed
// through a bundler instead of being sent as a plain transaction.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)
)

// PackForSignature produces the canonical ABI encoding of the operation used
// for hashing. Dynamic byte fields enter as their keccak hash so that two
// semantically different operations can never serialize identically. The
// signature itself is excluded, matching the EntryPoint contract.
func (op *UserOperation) PackForSignature() ([]byte, error) {
	args := abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "initCode", Type: bytes32T},
		{Name: "callData", Type: bytes32T},
		{Name: "callGasLimit", Type: uint256T},
		{Name: "verificationGasLimit", Type: uint256T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "maxFeePerGas", Type: uint256T},
		{Name: "maxPriorityFeePerGas", Type: uint256T},
		{Name: "paymasterAndData", Type: bytes32T},
	}

	return args.Pack(
		op.Sender,
		op.Nonce,
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
}

// GetUserOpHash returns the hash of the userOp + entrypoint address + chainID.
// This is the message the owner key signs.
func (op *UserOperation) GetUserOpHash(entrypoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.PackForSignature()
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack userOp for signature: %w", err)
	}

	return crypto.Keccak256Hash(
		crypto.Keccak256(packed),
		common.LeftPadBytes(entrypoint.Bytes(), 32),
		common.LeftPadBytes(chainID.Bytes(), 32),
	), nil
}

// Relayable reports whether the operation carries everything a bundler needs.
// initCode is intentionally not checked here: empty and non-empty are both
// valid, depending on deployment state, which only the resolver knows.
func (op *UserOperation) Relayable() error {
	if (op.Sender == common.Address{}) {
		return &ValidationError{Field: "sender", Reason: "zero address"}
	}
	if op.Nonce == nil {
		return &ValidationError{Field: "nonce", Reason: "missing"}
	}
	if len(op.CallData) == 0 {
		return &ValidationError{Field: "callData", Reason: "empty"}
	}
	for _, f := range []struct {
		name string
		v    *big.Int
	}{
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
	} {
		if f.v == nil || f.v.Sign() < 0 {
			return &ValidationError{Field: f.name, Reason: "missing or negative"}
		}
	}
	// A zero fee bound would make the operation permanently unrelayable.
	if op.MaxFeePerGas == nil || op.MaxFeePerGas.Sign() <= 0 {
		return &ValidationError{Field: "maxFeePerGas", Reason: "must be positive"}
	}
	if op.MaxPriorityFeePerGas == nil || op.MaxPriorityFeePerGas.Sign() <= 0 {
		return &ValidationError{Field: "maxPriorityFeePerGas", Reason: "must be positive"}
	}
	if len(op.Signature) == 0 {
		return &ValidationError{Field: "signature", Reason: "unsigned"}
	}
	return nil
}

// Copy deep-copies the operation so a signed original can stay immutable.
func (op *UserOperation) Copy() UserOperation {
	return UserOperation{
		Sender:               op.Sender,
		Nonce:                cloneBig(op.Nonce),
		InitCode:             append([]byte(nil), op.InitCode...),
		CallData:             append([]byte(nil), op.CallData...),
		CallGasLimit:         cloneBig(op.CallGasLimit),
		VerificationGasLimit: cloneBig(op.VerificationGasLimit),
		PreVerificationGas:   cloneBig(op.PreVerificationGas),
		MaxFeePerGas:         cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     append([]byte(nil), op.PaymasterAndData...),
		Signature:            append([]byte(nil), op.Signature...),
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

type wireUserOperation struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// MarshalJSON encodes every numeric field as a 0x-prefixed hex string, the
// fixed wire format bundlers accept.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&wireUserOperation{
		Sender:               op.Sender.Hex(),
		Nonce:                encodeBig(op.Nonce),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         encodeBig(op.CallGasLimit),
		VerificationGasLimit: encodeBig(op.VerificationGasLimit),
		PreVerificationGas:   encodeBig(op.PreVerificationGas),
		MaxFeePerGas:         encodeBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: encodeBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	})
}

// encodeBig treats an unset big.Int as zero so a partially built operation can
// still be logged or estimated without panicking.
func encodeBig(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(v)
}

// UnmarshalJSON parses the hex wire format back into the operation.
func (op *UserOperation) UnmarshalJSON(input []byte) error {
	aux := &wireUserOperation{}
	if err := json.Unmarshal(input, aux); err != nil {
		return err
	}

	var err error
	op.Sender = common.HexToAddress(aux.Sender)
	if op.Nonce, err = hexutil.DecodeBig(aux.Nonce); err != nil {
		return fmt.Errorf("invalid nonce %q: %w", aux.Nonce, err)
	}
	if op.InitCode, err = hexutil.Decode(aux.InitCode); err != nil {
		return fmt.Errorf("invalid initCode: %w", err)
	}
	if op.CallData, err = hexutil.Decode(aux.CallData); err != nil {
		return fmt.Errorf("invalid callData: %w", err)
	}
	if op.CallGasLimit, err = hexutil.DecodeBig(aux.CallGasLimit); err != nil {
		return fmt.Errorf("invalid callGasLimit %q: %w", aux.CallGasLimit, err)
	}
	if op.VerificationGasLimit, err = hexutil.DecodeBig(aux.VerificationGasLimit); err != nil {
		return fmt.Errorf("invalid verificationGasLimit %q: %w", aux.VerificationGasLimit, err)
	}
	if op.PreVerificationGas, err = hexutil.DecodeBig(aux.PreVerificationGas); err != nil {
		return fmt.Errorf("invalid preVerificationGas %q: %w", aux.PreVerificationGas, err)
	}
	if op.MaxFeePerGas, err = hexutil.DecodeBig(aux.MaxFeePerGas); err != nil {
		return fmt.Errorf("invalid maxFeePerGas %q: %w", aux.MaxFeePerGas, err)
	}
	if op.MaxPriorityFeePerGas, err = hexutil.DecodeBig(aux.MaxPriorityFeePerGas); err != nil {
		return fmt.Errorf("invalid maxPriorityFeePerGas %q: %w", aux.MaxPriorityFeePerGas, err)
	}
	if op.PaymasterAndData, err = hexutil.Decode(aux.PaymasterAndData); err != nil {
		return fmt.Errorf("invalid paymasterAndData: %w", err)
	}
	if op.Signature, err = hexutil.Decode(aux.Signature); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	return nil
}
