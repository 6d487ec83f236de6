package preset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gaslessbase/gasless-relay/core/chainio/aa"
	"github.com/gaslessbase/gasless-relay/core/chainio/signer"
	"github.com/gaslessbase/gasless-relay/metrics"
	"github.com/gaslessbase/gasless-relay/pkg/eip1559"
	"github.com/gaslessbase/gasless-relay/pkg/erc4337/bundler"
	"github.com/gaslessbase/gasless-relay/pkg/erc4337/userop"
	"github.com/gaslessbase/gasless-relay/pkg/logger"
)

var (
	DefaultCallGasLimit         = big.NewInt(100_000)
	DefaultVerificationGasLimit = big.NewInt(100_000)
	DefaultPreVerificationGas   = big.NewInt(50_000)

	// Deployment runs the factory, proxy constructor and initialize(owner)
	// inside validation, which dwarfs a plain signature check.
	DeploymentVerificationGasLimit = big.NewInt(1_500_000)

	// Only the length matters for estimation.
	dummySigForGasEstimation = crypto.Keccak256Hash(common.FromHex("0xdead123"))

	defaultAccountSalt = big.NewInt(0)
)

// TransientError marks a failure caused by node or network conditions that a
// later retry with identical inputs may not hit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s", e.Err.Error())
}

func (e *TransientError) Unwrap() error { return e.Err }

// ChainClient is the node surface the builder needs: account code and
// contract views for sender resolution, fee history for EIP-1559 pricing.
type ChainClient interface {
	aa.ChainReader
	eip1559.FeeReader
}

// Deps bundles the pipeline collaborators. Everything but Client is
// optional: without a bundler the builder keeps its conservative gas
// defaults, without a nonce ledger every build fetches the nonce straight
// from the entrypoint, without a resolver every build issues a fresh
// eth_getCode, and without metrics submissions go uncounted.
type Deps struct {
	Client   ChainClient
	Resolver *aa.Resolver
	Bundler  *bundler.BundlerClient
	Nonces   *bundler.NonceManager
	Metrics  metrics.MetricsGenerator
	Logger   logger.Logger
}

// BuildOpts carries per-operation hints. Nil fields take the defaults above;
// a non-nil gas or fee field is used verbatim and never overwritten by
// bundler estimation.
type BuildOpts struct {
	Salt                 *big.Int
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	SkipGasEstimation    bool
}

// Build assembles an unsigned UserOperation for owner's smart account
// executing callData. The sender is derived from the owner, initCode is
// attached only when the account is provably not deployed, and the nonce
// comes from the shared ledger so sequential builds for one sender never
// collide.
func Build(ctx context.Context, deps Deps, owner common.Address, callData []byte, opts BuildOpts) (*userop.UserOperation, error) {
	lgr := logger.EnsureLogger(deps.Logger)
	if deps.Client == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if len(callData) == 0 {
		return nil, &userop.ValidationError{Field: "callData", Reason: "must not be empty"}
	}

	salt := opts.Salt
	if salt == nil {
		salt = defaultAccountSalt
	}

	var (
		sender common.Address
		status aa.DeploymentStatus
		err    error
	)
	if deps.Resolver != nil {
		sender, status, err = deps.Resolver.Resolve(ctx, owner, salt)
	} else {
		sender, status, err = aa.Resolve(ctx, deps.Client, owner, salt)
	}
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("resolve sender for owner %s: %w", owner.Hex(), err)}
	}
	if status == aa.StatusUnknown {
		return nil, &TransientError{Err: fmt.Errorf("deployment status of %s could not be determined", sender.Hex())}
	}

	var initCode []byte
	if status == aa.StatusNotDeployed {
		initCode, err = aa.GetInitCode(owner.Hex(), salt)
		if err != nil {
			return nil, fmt.Errorf("failed to build init code: %w", err)
		}
		lgr.Debug("account not deployed, attaching init code", "sender", sender.Hex(), "owner", owner.Hex())
	}

	fetchOnChain := func() (*big.Int, error) {
		return aa.GetNonce(ctx, deps.Client, sender)
	}
	var nonce *big.Int
	if deps.Nonces != nil {
		nonce, err = deps.Nonces.GetNextNonce(sender, fetchOnChain)
	} else {
		nonce, err = fetchOnChain()
	}
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("fetch nonce for %s: %w", sender.Hex(), err)}
	}

	maxFeePerGas := opts.MaxFeePerGas
	maxPriorityFeePerGas := opts.MaxPriorityFeePerGas
	if maxFeePerGas == nil || maxPriorityFeePerGas == nil {
		suggestedFee, suggestedTip := eip1559.SuggestFeeWithFallback(ctx, deps.Client)
		if maxFeePerGas == nil {
			maxFeePerGas = suggestedFee
		}
		if maxPriorityFeePerGas == nil {
			maxPriorityFeePerGas = suggestedTip
		}
	}

	callGasLimit := pickGas(opts.CallGasLimit, DefaultCallGasLimit)
	verificationGasLimit := opts.VerificationGasLimit
	if verificationGasLimit == nil {
		verificationGasLimit = DefaultVerificationGasLimit
		if len(initCode) > 0 {
			verificationGasLimit = DeploymentVerificationGasLimit
		}
	}
	preVerificationGas := pickGas(opts.PreVerificationGas, DefaultPreVerificationGas)

	op := &userop.UserOperation{
		Sender:   sender,
		Nonce:    nonce,
		InitCode: initCode,
		CallData: callData,

		CallGasLimit:         callGasLimit,
		VerificationGasLimit: verificationGasLimit,
		PreVerificationGas:   preVerificationGas,

		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
		PaymasterAndData:     []byte{},
	}

	if deps.Bundler != nil && !opts.SkipGasEstimation {
		candidate := op.Copy()
		candidate.Signature = dummySigForGasEstimation.Bytes()

		gas, gasErr := deps.Bundler.EstimateUserOperationGas(ctx, candidate, aa.EntrypointAddress, nil)
		switch {
		case gasErr != nil:
			lgr.Debug("bundler gas estimation failed, keeping defaults",
				"sender", sender.Hex(), "error", gasErr.Error())
		case gas != nil:
			if opts.CallGasLimit == nil {
				op.CallGasLimit = gas.CallGasLimit
			}
			// Bundlers routinely undershoot the deployment path, so the
			// deployment limit stands when initCode is present.
			if opts.VerificationGasLimit == nil && len(initCode) == 0 {
				op.VerificationGasLimit = gas.VerificationGasLimit
			}
			if opts.PreVerificationGas == nil {
				op.PreVerificationGas = gas.PreVerificationGas
			}
		}
	}

	return op, nil
}

// SignUserOp returns a signed copy of op. The signature is EIP-191 over the
// canonical operation hash for the given entrypoint and chain, so mutating
// any field of the copy afterwards invalidates it.
func SignUserOp(op *userop.UserOperation, entrypoint common.Address, chainID *big.Int, key *ecdsa.PrivateKey) (*userop.UserOperation, error) {
	signed := op.Copy()

	opHash, err := signed.GetUserOpHash(entrypoint, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to hash user operation: %w", err)
	}
	signed.Signature, err = signer.SignMessage(key, opHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign user operation: %w", err)
	}

	return &signed, nil
}

// Send submits a signed operation and keeps the nonce ledger consistent with
// the outcome: advanced on acceptance, reset on a nonce conflict so the next
// build refetches from chain.
func Send(ctx context.Context, deps Deps, op *userop.UserOperation, entrypoint common.Address) (common.Hash, error) {
	if deps.Bundler == nil {
		return common.Hash{}, fmt.Errorf("bundler client is required")
	}

	opHash, err := deps.Bundler.SendUserOperation(ctx, *op, entrypoint)
	if deps.Metrics != nil {
		deps.Metrics.IncOperationsRelayed(relayResult(err))
	}
	if err != nil {
		var rejected *bundler.RejectedError
		if deps.Nonces != nil && errors.As(err, &rejected) && strings.Contains(rejected.Reason, "AA25") {
			deps.Nonces.ResetNonce(op.Sender)
		}
		return common.Hash{}, err
	}

	if deps.Nonces != nil {
		deps.Nonces.IncrementNonce(op.Sender, op.Nonce)
	}
	return opHash, nil
}

// relayResult maps a submission outcome onto the metric label space.
func relayResult(err error) string {
	if err == nil {
		return "sent"
	}
	var (
		rejected    *bundler.RejectedError
		unreachable *bundler.UnreachableError
		malformed   *bundler.MalformedError
	)
	switch {
	case errors.As(err, &rejected):
		return "rejected"
	case errors.As(err, &unreachable):
		return "unreachable"
	case errors.As(err, &malformed):
		return "malformed"
	default:
		return "error"
	}
}

// SendUserOp builds, signs and submits in one pass, returning the signed
// operation alongside the bundler's handle.
func SendUserOp(
	ctx context.Context,
	deps Deps,
	key *ecdsa.PrivateKey,
	chainID *big.Int,
	owner common.Address,
	callData []byte,
	opts BuildOpts,
) (*userop.UserOperation, common.Hash, error) {
	op, err := Build(ctx, deps, owner, callData, opts)
	if err != nil {
		return nil, common.Hash{}, err
	}

	signed, err := SignUserOp(op, aa.EntrypointAddress, chainID, key)
	if err != nil {
		return nil, common.Hash{}, err
	}

	opHash, err := Send(ctx, deps, signed, aa.EntrypointAddress)
	if err != nil {
		return signed, common.Hash{}, err
	}
	return signed, opHash, nil
}

func pickGas(hint, fallback *big.Int) *big.Int {
	if hint != nil {
		return hint
	}
	return fallback
}
