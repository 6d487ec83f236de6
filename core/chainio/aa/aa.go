// Package aa resolves counterfactual smart account addresses and packs the
// calldata those accounts execute.
package aa

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const factoryABIJSON = `[
	{"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"ret","type":"address"}]},
	{"type":"function","name":"getAddress","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

const accountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]}
]`

const entrypointABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	factoryABI    abi.ABI
	accountABI    abi.ABI
	entrypointABI abi.ABI

	defaultSalt = big.NewInt(0)
)

func init() {
	var err error
	if factoryABI, err = abi.JSON(strings.NewReader(factoryABIJSON)); err != nil {
		panic(fmt.Errorf("invalid factory ABI: %w", err))
	}
	if accountABI, err = abi.JSON(strings.NewReader(accountABIJSON)); err != nil {
		panic(fmt.Errorf("invalid account ABI: %w", err))
	}
	if entrypointABI, err = abi.JSON(strings.NewReader(entrypointABIJSON)); err != nil {
		panic(fmt.Errorf("invalid entrypoint ABI: %w", err))
	}
}

// DeploymentStatus is the tri-state answer to "does the smart account have
// code yet". A transient query failure must surface as unknown, never as
// not-deployed: acting on a wrong "false" would double-deploy or skip
// required initCode.
type DeploymentStatus int

const (
	StatusUnknown DeploymentStatus = iota
	StatusNotDeployed
	StatusDeployed
)

func (s DeploymentStatus) String() string {
	switch s {
	case StatusDeployed:
		return "deployed"
	case StatusNotDeployed:
		return "not_deployed"
	default:
		return "unknown"
	}
}

// ChainReader is the slice of an eth client the resolver needs.
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// GetInitCode returns the deployment recipe for the owner's account: the
// factory address followed by the packed createAccount call. Applied by the
// EntryPoint exactly once; the factory is a no-op if the address already has
// code.
func GetInitCode(ownerAddress string, salt *big.Int) ([]byte, error) {
	return GetInitCodeForFactory(ownerAddress, factoryAddress, salt)
}

func GetInitCodeForFactory(ownerAddress string, factory common.Address, salt *big.Int) ([]byte, error) {
	if salt == nil {
		salt = defaultSalt
	}

	calldata, err := factoryABI.Pack("createAccount", common.HexToAddress(ownerAddress), salt)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(calldata)+common.AddressLength)
	data = append(data, factory.Bytes()...)
	data = append(data, calldata...)
	return data, nil
}

// ComputeSmartAccountAddress derives the counterfactual account address with
// the CREATE2 formula: keccak256(0xff || factory || salt || keccak256(initCode))[12:].
// It is a pure function of (factory, owner, salt) - the address is knowable
// before, and unchanged by, deployment.
func ComputeSmartAccountAddress(factory, owner common.Address, salt *big.Int) (common.Address, error) {
	if salt == nil {
		salt = defaultSalt
	}

	initCode, err := GetInitCodeForFactory(owner.Hex(), factory, salt)
	if err != nil {
		return common.Address{}, err
	}

	saltBytes := make([]byte, 32)
	salt.FillBytes(saltBytes)

	var b []byte
	b = append(b, 0xff)
	b = append(b, factory.Bytes()...)
	b = append(b, saltBytes...)
	b = append(b, crypto.Keccak256(initCode)...)

	return common.BytesToAddress(crypto.Keccak256(b)[12:]), nil
}

// GetSenderAddress derives the smart account address for an owner using the
// configured factory.
func GetSenderAddress(owner common.Address, salt *big.Int) (common.Address, error) {
	return ComputeSmartAccountAddress(factoryAddress, owner, salt)
}

// Resolve derives the account address and checks whether code is present at
// it. The derivation never touches the network; the status does, and a failed
// query is reported as StatusUnknown together with the error.
func Resolve(ctx context.Context, client ChainReader, owner common.Address, salt *big.Int) (common.Address, DeploymentStatus, error) {
	sender, err := GetSenderAddress(owner, salt)
	if err != nil {
		return common.Address{}, StatusUnknown, err
	}

	status, err := CodePresence(ctx, client, sender)
	return sender, status, err
}

// CodePresence runs the single code query behind Resolve. Deployment can
// happen at any time through any path, so callers must not hold on to a
// not-deployed answer.
func CodePresence(ctx context.Context, client ChainReader, account common.Address) (DeploymentStatus, error) {
	code, err := client.CodeAt(ctx, account, nil)
	if err != nil {
		return StatusUnknown, fmt.Errorf("code presence query failed for %s: %w", account.Hex(), err)
	}
	if len(code) == 0 {
		return StatusNotDeployed, nil
	}
	return StatusDeployed, nil
}

// GetNonce fetches the next nonce for sender from the EntryPoint. The
// EntryPoint is the single authoritative source; a fresh value must be read
// at build time.
func GetNonce(ctx context.Context, client ChainReader, sender common.Address) (*big.Int, error) {
	calldata, err := entrypointABI.Pack("getNonce", sender, big.NewInt(0))
	if err != nil {
		return nil, err
	}

	out, err := client.CallContract(ctx, ethereum.CallMsg{
		To:   &EntrypointAddress,
		Data: calldata,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("getNonce query failed for %s: %w", sender.Hex(), err)
	}

	res, err := entrypointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, err
	}
	nonce, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce return type %T", res[0])
	}
	return nonce, nil
}

// PackExecute generates calldata instructing the smart account to call target
// with the given value and payload. The layout is fixed by the on-chain
// account contract; both sides must agree bit for bit.
func PackExecute(target common.Address, ethValue *big.Int, calldata []byte) ([]byte, error) {
	if ethValue == nil {
		ethValue = big.NewInt(0)
	}
	if calldata == nil {
		calldata = make([]byte, 0)
	}
	return accountABI.Pack("execute", target, ethValue, calldata)
}
