package bundler

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gaslessbase/gasless-relay/pkg/logger"
)

// NonceManager serializes nonce assignment per sender so two concurrently
// built operations can never reuse a nonce while earlier ones sit unmined in
// the bundler's mempool. It keeps max(on-chain nonce, cached pending nonce)
// per sender; the ledger remains the single authoritative source and is
// consulted on every assignment.
type NonceManager struct {
	pendingNonces map[string]*big.Int
	mu            sync.Mutex
	logger        logger.Logger
}

// NewNonceManager creates a new NonceManager instance
func NewNonceManager(lgr logger.Logger) *NonceManager {
	return &NonceManager{
		pendingNonces: make(map[string]*big.Int),
		logger:        logger.EnsureLogger(lgr),
	}
}

// GetNextNonce returns the next nonce to use for a sender. onChainFetcher is
// called under the manager's lock, which is what serializes concurrent builds
// for the same sender.
func (nm *NonceManager) GetNextNonce(
	sender common.Address,
	onChainFetcher func() (*big.Int, error),
) (*big.Int, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	onChainNonce, err := onChainFetcher()
	if err != nil {
		return nil, err
	}

	senderKey := sender.Hex()
	cachedNonce, hasCached := nm.pendingNonces[senderKey]

	var nextNonce *big.Int
	switch {
	case !hasCached:
		nextNonce = new(big.Int).Set(onChainNonce)
	case onChainNonce.Cmp(cachedNonce) > 0:
		// On-chain advanced: previous operations were mined or dropped
		nextNonce = new(big.Int).Set(onChainNonce)
	default:
		// Cached is ahead or equal: operations still pending in the bundler
		nextNonce = new(big.Int).Set(cachedNonce)
	}

	nm.logger.Debug("assigned nonce", "sender", senderKey, "nonce", nextNonce.String())
	return nextNonce, nil
}

// IncrementNonce advances the cached nonce after a successful submission so
// a sequential operation can build with nonce+1 before the first is mined.
func (nm *NonceManager) IncrementNonce(sender common.Address, currentNonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pendingNonces[sender.Hex()] = new(big.Int).Add(currentNonce, big.NewInt(1))
}

// ResetNonce clears the cached nonce for a sender, forcing the next
// GetNextNonce to trust the chain alone. Use it after a nonce conflict or
// when an in-flight operation is explicitly abandoned.
func (nm *NonceManager) ResetNonce(sender common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pendingNonces, sender.Hex())
}

// GetCachedNonce returns the cached nonce for a sender without touching the
// chain. Returns (nonce, true) if cached, (nil, false) if not.
func (nm *NonceManager) GetCachedNonce(sender common.Address) (*big.Int, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nonce, exists := nm.pendingNonces[sender.Hex()]
	if !exists {
		return nil, false
	}
	return new(big.Int).Set(nonce), true
}
