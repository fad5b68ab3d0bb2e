package threat

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

const (
	trendCapacity  = 16 // composites retained per mint
	trendSlopeSpan = 8  // points used for the slope
)

type trendPoint struct {
	at        time.Time
	composite float64
}

// trendRing is the per-mint ring buffer of recent composites.
type trendRing struct {
	points [trendCapacity]trendPoint
	n      int // total points ever written
}

func (r *trendRing) push(p trendPoint) {
	r.points[r.n%trendCapacity] = p
	r.n++
}

// last returns up to k most recent points, oldest first.
func (r *trendRing) last(k int) []trendPoint {
	size := r.n
	if size > trendCapacity {
		size = trendCapacity
	}
	if k > size {
		k = size
	}
	out := make([]trendPoint, 0, k)
	for i := size - k; i < size; i++ {
		idx := (r.n - size + i) % trendCapacity
		out = append(out, r.points[idx])
	}
	return out
}

// TrendTracker maintains score history per mint and derives trend and
// acceleration. Single writer: the scoring engine.
type TrendTracker struct {
	mu    sync.Mutex
	rings *lru.Cache[types.MintAddress, *trendRing]
}

// NewTrendTracker builds the tracker; capacity bounds tracked mints.
func NewTrendTracker(capacity int) (*TrendTracker, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	rings, err := lru.New[types.MintAddress, *trendRing](capacity)
	if err != nil {
		return nil, err
	}
	return &TrendTracker{rings: rings}, nil
}

// Observe records a composite and returns (trend per minute, acceleration).
// Trend is the least-squares slope over the last eight points; acceleration
// is the slope change between the two halves of that window.
func (t *TrendTracker) Observe(mint types.MintAddress, composite float64, at time.Time) (trend, accel float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ring, ok := t.rings.Get(mint)
	if !ok {
		ring = &trendRing{}
		t.rings.Add(mint, ring)
	}
	ring.push(trendPoint{at: at, composite: composite})

	pts := ring.last(trendSlopeSpan)
	if len(pts) < 3 {
		return 0, 0
	}
	trend = slopePerMinute(pts)

	half := len(pts) / 2
	if half >= 2 && len(pts)-half >= 2 {
		accel = slopePerMinute(pts[half:]) - slopePerMinute(pts[:half])
	}
	return trend, accel
}

// History returns the retained composites for a mint, oldest first.
func (t *TrendTracker) History(mint types.MintAddress) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ring, ok := t.rings.Get(mint)
	if !ok {
		return nil
	}
	pts := ring.last(trendCapacity)
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.composite
	}
	return out
}

// slopePerMinute fits value ~ a + b·minutes by least squares.
func slopePerMinute(pts []trendPoint) float64 {
	if len(pts) < 2 {
		return 0
	}
	t0 := pts[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range pts {
		x := p.at.Sub(t0).Minutes()
		y := p.composite
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	n := float64(len(pts))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
