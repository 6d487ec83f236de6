package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaslessbase/gasless-relay/pkg/erc4337/userop"
)

var testEntrypoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func signedOp() userop.UserOperation {
	return userop.UserOperation{
		Sender:               common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557"),
		Nonce:                big.NewInt(3),
		InitCode:             []byte{},
		CallData:             common.FromHex("0xb61d27f6"),
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(1_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            common.FromHex("0x1234"),
	}
}

// bundlerStub answers JSON-RPC with a fixed payload and records what it saw.
func bundlerStub(t *testing.T, respond func(method string, params []json.RawMessage) (interface{}, *jsonRPCError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int               `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := respond(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestSendUserOperation_Success(t *testing.T) {
	opHash := "0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f"

	var sawEntrypoint atomic.Value
	srv := bundlerStub(t, func(method string, params []json.RawMessage) (interface{}, *jsonRPCError) {
		require.Equal(t, "eth_sendUserOperation", method)
		require.Len(t, params, 2)

		// Every numeric field rides as 0x-hex
		var wire map[string]string
		require.NoError(t, json.Unmarshal(params[0], &wire))
		assert.Equal(t, "0x3", wire["nonce"])
		assert.Equal(t, "0x186a0", wire["callGasLimit"])
		assert.Equal(t, "0xc350", wire["preVerificationGas"])

		var entrypoint string
		require.NoError(t, json.Unmarshal(params[1], &entrypoint))
		sawEntrypoint.Store(entrypoint)

		return opHash, nil
	})
	defer srv.Close()

	bc, err := NewBundlerClient(srv.URL, nil)
	require.NoError(t, err)
	defer bc.Close()

	hash, err := bc.SendUserOperation(context.Background(), signedOp(), testEntrypoint)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash(opHash), hash)
	assert.Equal(t, testEntrypoint.Hex(), sawEntrypoint.Load())
}

func TestSendUserOperation_Rejected(t *testing.T) {
	srv := bundlerStub(t, func(method string, params []json.RawMessage) (interface{}, *jsonRPCError) {
		return nil, &jsonRPCError{Code: -32500, Message: "AA25 invalid account nonce"}
	})
	defer srv.Close()

	bc, err := NewBundlerClient(srv.URL, nil)
	require.NoError(t, err)
	defer bc.Close()

	_, err = bc.SendUserOperation(context.Background(), signedOp(), testEntrypoint)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, -32500, rejected.Code)
	assert.Contains(t, rejected.Reason, "AA25")
	assert.False(t, IsRetryable(err), "a validated refusal must not be blind-retried")
	assert.False(t, rejected.OutOfGas())
}

func TestSendUserOperation_OutOfGasRejection(t *testing.T) {
	srv := bundlerStub(t, func(method string, params []json.RawMessage) (interface{}, *jsonRPCError) {
		return nil, &jsonRPCError{Code: -32500, Message: "AA95 out of gas"}
	})
	defer srv.Close()

	bc, err := NewBundlerClient(srv.URL, nil)
	require.NoError(t, err)
	defer bc.Close()

	_, err = bc.SendUserOperation(context.Background(), signedOp(), testEntrypoint)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.OutOfGas(), "gas exhaustion must be distinguishable from other rejections")
}

func TestSendUserOperation_Unreachable(t *testing.T) {
	srv := bundlerStub(t, func(method string, params []json.RawMessage) (interface{}, *jsonRPCError) {
		return "0x0", nil
	})
	url := srv.URL
	srv.Close() // nobody listening anymore

	bc, err := NewBundlerClient(url, nil)
	require.NoError(t, err)
	defer bc.Close()

	_, err = bc.SendUserOperation(context.Background(), signedOp(), testEntrypoint)

	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.True(t, IsRetryable(err), "transport failures are retryable with backoff")
}

func TestSendUserOperation_MalformedNeverLeavesClient(t *testing.T) {
	called := false
	srv := bundlerStub(t, func(method string, params []json.RawMessage) (interface{}, *jsonRPCError) {
		called = true
		return "0x0", nil
	})
	defer srv.Close()

	bc, err := NewBundlerClient(srv.URL, nil)
	require.NoError(t, err)
	defer bc.Close()

	op := signedOp()
	op.Signature = nil // not relayable

	_, err = bc.SendUserOperation(context.Background(), op, testEntrypoint)

	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.False(t, called, "an incomplete operation must not reach the wire")
	assert.False(t, IsRetryable(err))

	var verr *userop.ValidationError
	assert.True(t, errors.As(err, &verr), "the underlying validation error stays reachable")
}

func TestEstimateUserOperationGas(t *testing.T) {
	srv := bundlerStub(t, func(method string, params []json.RawMessage) (interface{}, *jsonRPCError) {
		require.Equal(t, "eth_estimateUserOperationGas", method)
		require.Len(t, params, 3, "estimation carries the state override set")
		return map[string]string{
			"preVerificationGas":   "0xc350",
			"verificationGasLimit": "0x186a0",
			"callGasLimit":         "0x30d40",
		}, nil
	})
	defer srv.Close()

	bc, err := NewBundlerClient(srv.URL, nil)
	require.NoError(t, err)
	defer bc.Close()

	gas, err := bc.EstimateUserOperationGas(context.Background(), signedOp(), testEntrypoint, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), gas.PreVerificationGas.Int64())
	assert.Equal(t, int64(100000), gas.VerificationGasLimit.Int64())
	assert.Equal(t, int64(200000), gas.CallGasLimit.Int64())
}

func TestNonceManager(t *testing.T) {
	sender := common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557")

	chainNonce := big.NewInt(5)
	fetcher := func() (*big.Int, error) {
		return new(big.Int).Set(chainNonce), nil
	}

	t.Run("first assignment uses on-chain nonce", func(t *testing.T) {
		nm := NewNonceManager(nil)
		nonce, err := nm.GetNextNonce(sender, fetcher)
		require.NoError(t, err)
		assert.Equal(t, int64(5), nonce.Int64())
	})

	t.Run("sequential operations never reuse a nonce", func(t *testing.T) {
		nm := NewNonceManager(nil)

		first, err := nm.GetNextNonce(sender, fetcher)
		require.NoError(t, err)
		nm.IncrementNonce(sender, first)

		// Chain has not advanced, the pending cache must carry us forward
		second, err := nm.GetNextNonce(sender, fetcher)
		require.NoError(t, err)
		assert.Equal(t, first.Int64()+1, second.Int64())
		assert.NotEqual(t, first, second)
	})

	t.Run("chain ahead of cache wins", func(t *testing.T) {
		nm := NewNonceManager(nil)
		first, err := nm.GetNextNonce(sender, fetcher)
		require.NoError(t, err)
		nm.IncrementNonce(sender, first)

		chainNonce = big.NewInt(42) // operations mined or dropped
		defer func() { chainNonce = big.NewInt(5) }()

		next, err := nm.GetNextNonce(sender, fetcher)
		require.NoError(t, err)
		assert.Equal(t, int64(42), next.Int64())
	})

	t.Run("reset forgets the pending cache", func(t *testing.T) {
		nm := NewNonceManager(nil)
		first, err := nm.GetNextNonce(sender, fetcher)
		require.NoError(t, err)
		nm.IncrementNonce(sender, first)
		nm.ResetNonce(sender)

		_, cached := nm.GetCachedNonce(sender)
		assert.False(t, cached)
	})

	t.Run("fetcher failure surfaces", func(t *testing.T) {
		nm := NewNonceManager(nil)
		_, err := nm.GetNextNonce(sender, func() (*big.Int, error) {
			return nil, errors.New("rpc timeout")
		})
		assert.Error(t, err)
	})
}
