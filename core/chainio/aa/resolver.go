package aa

import (
	"context"
	"math/big"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
)

// Resolver answers (address, deployment status) for owners against one chain
// client. Deployment is a monotonic fact - once an address has code it keeps
// it - so only the positive answer is cached; absence and failures are always
// re-queried.
type Resolver struct {
	client ChainReader
	cache  *bigcache.BigCache
}

func NewResolver(client ChainReader) (*Resolver, error) {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(10*time.Minute))
	if err != nil {
		return nil, err
	}
	return &Resolver{client: client, cache: cache}, nil
}

func (r *Resolver) Resolve(ctx context.Context, owner common.Address, salt *big.Int) (common.Address, DeploymentStatus, error) {
	sender, err := GetSenderAddress(owner, salt)
	if err != nil {
		return common.Address{}, StatusUnknown, err
	}

	if _, err := r.cache.Get(sender.Hex()); err == nil {
		return sender, StatusDeployed, nil
	}

	status, err := CodePresence(ctx, r.client, sender)
	if status == StatusDeployed {
		_ = r.cache.Set(sender.Hex(), []byte{1})
	}
	return sender, status, err
}

func (r *Resolver) Close() error {
	return r.cache.Close()
}
