package txlifecycle

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gocache "github.com/patrickmn/go-cache"
)

// RevertCache remembers clears that reverted for application reasons so the exact same input
// is not resubmitted while the cache entry lives.
type RevertCache interface {
	MarkReverted(ctx context.Context, key string) error
	IsReverted(ctx context.Context, key string) (bool, error)
}

// RevertKey identifies a clear by its take orders and maximum input
func RevertKey(orderIDs []common.Hash, maximumInput *big.Int) string {
	ids := make([]common.Hash, len(orderIDs))
	copy(ids, orderIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i].Hex() < ids[j].Hex() })

	var buf []byte
	for _, id := range ids {
		buf = append(buf, id.Bytes()...)
	}
	buf = append(buf, maximumInput.Bytes()...)
	return crypto.Keccak256Hash(buf).Hex()
}

type MemoryRevertCache struct {
	cache *gocache.Cache
	ttl   time.Duration
}

func NewMemoryRevertCache(ttl time.Duration) *MemoryRevertCache {
	return &MemoryRevertCache{
		cache: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (c *MemoryRevertCache) MarkReverted(ctx context.Context, key string) error {
	c.cache.Set(key, struct{}{}, c.ttl)
	return nil
}

func (c *MemoryRevertCache) IsReverted(ctx context.Context, key string) (bool, error) {
	_, ok := c.cache.Get(key)
	return ok, nil
}
