// Package bundler provides primitives to work with a bundler RPC.
// Bundler RPC is stateless: a submission is a single synchronous round trip
// with no partial effect - either the bundler accepts and returns an
// operation handle, or it does not.
package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/gaslessbase/gasless-relay/pkg/erc4337/userop"
	"github.com/gaslessbase/gasless-relay/pkg/logger"
)

const defaultRequestTimeout = 30 * time.Second

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	client *rpc.Client
	http   *http.Client
	url    string
	logger logger.Logger
}

// NewBundlerClient creates a new BundlerClient that connects to the given URL.
func NewBundlerClient(url string, lgr logger.Logger) (*BundlerClient, error) {
	// Use DialHTTP instead of Dial as it is more compatible with HTTP-based bundler
	// endpoints, but it also supports other protocols such as WebSocket.
	c, err := rpc.DialHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("error creating bundler client: %w", err)
	}
	return &BundlerClient{
		client: c,
		http:   &http.Client{Timeout: defaultRequestTimeout},
		url:    url,
		logger: logger.EnsureLogger(lgr),
	}, nil
}

// Close closes the underlying RPC client connection.
func (bc *BundlerClient) Close() {
	bc.client.Close()
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendUserOperation submits a signed operation and returns the bundler's
// 32-byte operation handle. Failures are classified as Rejected, Unreachable,
// or Malformed; no client-side state is mutated on any failure path.
func (bc *BundlerClient) SendUserOperation(
	ctx context.Context,
	op userop.UserOperation,
	entrypoint common.Address,
) (common.Hash, error) {
	if err := op.Relayable(); err != nil {
		return common.Hash{}, &MalformedError{Err: err}
	}

	var result string
	if err := bc.post(ctx, "eth_sendUserOperation", []interface{}{&op, entrypoint.Hex()}, &result); err != nil {
		return common.Hash{}, err
	}

	handle, err := hexutil.Decode(result)
	if err != nil || len(handle) != common.HashLength {
		return common.Hash{}, &RejectedError{Reason: fmt.Sprintf("bundler returned invalid operation handle %q", result)}
	}

	bc.logger.Debug("user operation accepted by bundler",
		"hash", result, "sender", op.Sender.Hex(), "nonce", op.Nonce.String())

	return common.BytesToHash(handle), nil
}

// EstimateUserOperationGas estimates the gas values for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The signature field is ignored by the wallet, so a semi-valid placeholder of
// the right length is enough.
func (bc *BundlerClient) EstimateUserOperationGas(
	ctx context.Context,
	op userop.UserOperation,
	entrypoint common.Address,
	override map[string]any,
) (*GasEstimation, error) {
	if override == nil {
		override = map[string]any{}
	}

	var result struct {
		PreVerificationGas   string `json:"preVerificationGas"`
		VerificationGasLimit string `json:"verificationGasLimit"`
		CallGasLimit         string `json:"callGasLimit"`
	}

	if err := bc.post(ctx, "eth_estimateUserOperationGas", []interface{}{&op, entrypoint.Hex(), override}, &result); err != nil {
		return nil, err
	}

	estimation := &GasEstimation{}
	var err error
	if estimation.PreVerificationGas, err = hexutil.DecodeBig(result.PreVerificationGas); err != nil {
		return nil, fmt.Errorf("invalid preVerificationGas in estimation %q: %w", result.PreVerificationGas, err)
	}
	if estimation.VerificationGasLimit, err = hexutil.DecodeBig(result.VerificationGasLimit); err != nil {
		return nil, fmt.Errorf("invalid verificationGasLimit in estimation %q: %w", result.VerificationGasLimit, err)
	}
	if estimation.CallGasLimit, err = hexutil.DecodeBig(result.CallGasLimit); err != nil {
		return nil, fmt.Errorf("invalid callGasLimit in estimation %q: %w", result.CallGasLimit, err)
	}

	return estimation, nil
}

// post sends one JSON-RPC request over plain HTTP. Several bundlers mishandle
// batched or content-negotiated requests from stock RPC clients, so the
// send/estimate path builds the envelope itself.
func (bc *BundlerClient) post(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return &MalformedError{Err: fmt.Errorf("failed to marshal %s request: %w", method, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.url, bytes.NewBuffer(reqBody))
	if err != nil {
		return &MalformedError{Err: fmt.Errorf("failed to create %s request: %w", method, err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := bc.http.Do(req)
	if err != nil {
		return &UnreachableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UnreachableError{Err: fmt.Errorf("failed to read %s response: %w", method, err)}
	}

	if resp.StatusCode != http.StatusOK {
		return &UnreachableError{Err: fmt.Errorf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), string(respBody))}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *jsonRPCError   `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return &UnreachableError{Err: fmt.Errorf("failed to parse %s response: %w", method, err)}
	}

	if envelope.Error != nil {
		return &RejectedError{Code: envelope.Error.Code, Reason: envelope.Error.Message}
	}
	if envelope.Result == nil {
		return &UnreachableError{Err: fmt.Errorf("missing result in %s response", method)}
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return &UnreachableError{Err: fmt.Errorf("unexpected %s result shape: %w", method, err)}
	}

	return nil
}

// GetUserOperationByHash fetches a UserOperation by its hash.
func (bc *BundlerClient) GetUserOperationByHash(ctx context.Context, hash common.Hash) (map[string]interface{}, error) {
	var op map[string]interface{}
	err := bc.client.CallContext(ctx, &op, "eth_getUserOperationByHash", hash.Hex())
	return op, err
}

// GetUserOperationReceipt fetches the receipt of a UserOperation.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (map[string]interface{}, error) {
	var receipt map[string]interface{}
	err := bc.client.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", hash.Hex())
	return receipt, err
}
