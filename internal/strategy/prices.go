package strategy

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

const priceHistoryDepth = 64

// PriceBook keeps the short per-mint price history the technical strategies
// read. The position manager's price monitor is the writer.
type PriceBook struct {
	mu    sync.RWMutex
	rings *lru.Cache[types.MintAddress, *priceRing]
}

type priceRing struct {
	points [priceHistoryDepth]PricePoint
	n      int
}

// NewPriceBook creates the book; capacity bounds tracked mints.
func NewPriceBook(capacity int) (*PriceBook, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	rings, err := lru.New[types.MintAddress, *priceRing](capacity)
	if err != nil {
		return nil, err
	}
	return &PriceBook{rings: rings}, nil
}

// Record appends one sample.
func (b *PriceBook) Record(mint types.MintAddress, price decimal.Decimal, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.rings.Get(mint)
	if !ok {
		ring = &priceRing{}
		b.rings.Add(mint, ring)
	}
	ring.points[ring.n%priceHistoryDepth] = PricePoint{At: at, Price: price}
	ring.n++
}

// History returns the retained samples, oldest first.
func (b *PriceBook) History(mint types.MintAddress) []PricePoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ring, ok := b.rings.Get(mint)
	if !ok {
		return nil
	}
	size := ring.n
	if size > priceHistoryDepth {
		size = priceHistoryDepth
	}
	out := make([]PricePoint, 0, size)
	for i := ring.n - size; i < ring.n; i++ {
		out = append(out, ring.points[i%priceHistoryDepth])
	}
	return out
}
