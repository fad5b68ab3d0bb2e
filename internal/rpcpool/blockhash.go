package rpcpool

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Blockhash is a recent blockhash pinned to the slot it was observed at.
type Blockhash struct {
	Hash                 string
	Slot                 uint64
	LastValidBlockHeight uint64
}

// blockhashCache holds the most recent blockhash for the TTL of one block
// interval. Reads within the TTL skip the network entirely. Writes happen
// only inside the client (single-writer model).
type blockhashCache struct {
	mu        sync.RWMutex
	value     Blockhash
	fetchedAt time.Time
}

func (b *blockhashCache) get(ttl time.Duration) (Blockhash, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.value.Hash == "" || time.Since(b.fetchedAt) >= ttl {
		return Blockhash{}, false
	}
	return b.value, true
}

func (b *blockhashCache) put(v Blockhash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A successful fetch that differs invalidates the old value outright;
	// an identical value only refreshes the clock.
	b.value = v
	b.fetchedAt = time.Now()
}

type latestBlockhashResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// LatestBlockhash returns a recent blockhash, serving from the shared cache
// when it is within the TTL of one block interval.
func (c *Client) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	if v, ok := c.bh.get(c.cfg.BlockhashTTL); ok {
		return v, nil
	}

	raw, err := c.Call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "confirmed"}})
	if err != nil {
		return Blockhash{}, err
	}

	var parsed latestBlockhashResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Blockhash{}, NewError(KindUnparseableInput, err)
	}

	v := Blockhash{
		Hash:                 parsed.Value.Blockhash,
		Slot:                 parsed.Context.Slot,
		LastValidBlockHeight: parsed.Value.LastValidBlockHeight,
	}
	c.bh.put(v)
	return v, nil
}

// InvalidateBlockhash drops the cached value, forcing the next read to fetch.
// Used after a StaleState classification.
func (c *Client) InvalidateBlockhash() {
	c.bh.mu.Lock()
	defer c.bh.mu.Unlock()
	c.bh.value = Blockhash{}
}
