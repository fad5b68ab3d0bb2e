// Package listener converts the heterogeneous event sources into one typed
// TokenEvent channel with cross-source dedup and drop-oldest backpressure.
package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Adapter is one event source feeding the fan-in. Run blocks until ctx is
// cancelled; transient source failures are the adapter's own problem.
type Adapter interface {
	Name() string
	Run(ctx context.Context) error
}

// seenEntry tracks one mint inside the dedup window.
type seenEntry struct {
	firstSeen time.Time
	count     atomic.Int64
}

// FanIn merges all adapters into one deduped, bounded channel. The dedup LRU
// has a single writer (the emit path); observation counts are atomic so the
// threat engine can read them concurrently.
type FanIn struct {
	logger  *zap.Logger
	cfg     types.ListenerConfig
	metrics *metrics.Metrics

	out   chan types.TokenEvent
	dedup *lru.Cache[types.MintAddress, *seenEntry]
	// emitMu serializes the dedup check-then-add and the drop-oldest push so
	// the fan-in behaves as a single logical task.
	emitMu sync.Mutex

	adapters  []Adapter
	dropCount atomic.Int64

	wg sync.WaitGroup
}

// New builds the fan-in. Adapters are registered before Run.
func New(logger *zap.Logger, cfg types.ListenerConfig, m *metrics.Metrics) (*FanIn, error) {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 1024
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 50_000
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 60 * time.Second
	}

	cache, err := lru.New[types.MintAddress, *seenEntry](cfg.DedupCapacity)
	if err != nil {
		return nil, err
	}
	return &FanIn{
		logger:  logger,
		cfg:     cfg,
		metrics: m,
		out:     make(chan types.TokenEvent, cfg.ChannelCapacity),
		dedup:   cache,
	}, nil
}

// Register adds an adapter. Not safe after Run.
func (f *FanIn) Register(a Adapter) {
	f.adapters = append(f.adapters, a)
}

// Events is the merged token-event stream.
func (f *FanIn) Events() <-chan types.TokenEvent {
	return f.out
}

// DropCount reports how many unread events were discarded under backpressure.
func (f *FanIn) DropCount() int64 {
	return f.dropCount.Load()
}

// ObservationCount reports how many sources saw a mint inside the window.
func (f *FanIn) ObservationCount(mint types.MintAddress) int {
	if e, ok := f.dedup.Get(mint); ok {
		return int(e.count.Load())
	}
	return 0
}

// Run starts every adapter and keeps them alive until ctx is cancelled.
func (f *FanIn) Run(ctx context.Context) {
	for _, a := range f.adapters {
		a := a
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for ctx.Err() == nil {
				if err := a.Run(ctx); err != nil && ctx.Err() == nil {
					f.logger.Warn("adapter stopped, restarting",
						zap.String("adapter", a.Name()),
						zap.Error(err),
					)
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	f.wg.Wait()
	close(f.out)
}

// Emit routes one parsed event through dedup and into the channel. A mint
// observed again within the window only bumps its observation counter; it is
// not re-emitted. Under backpressure the oldest unread events are dropped:
// stale opportunities are worthless.
func (f *FanIn) Emit(ev types.TokenEvent) {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()

	now := time.Now()
	if entry, ok := f.dedup.Get(ev.Mint); ok {
		if now.Sub(entry.firstSeen) < f.cfg.DedupWindow {
			entry.count.Add(1)
			if f.metrics != nil {
				f.metrics.EventsDeduped.Inc()
			}
			return
		}
		// Window elapsed; treat as a fresh observation.
		f.dedup.Remove(ev.Mint)
	}

	entry := &seenEntry{firstSeen: now}
	entry.count.Store(1)
	f.dedup.Add(ev.Mint, entry)

	ev.Observations = 1
	for {
		select {
		case f.out <- ev:
			if f.metrics != nil {
				f.metrics.EventsEmitted.WithLabelValues(string(ev.Source)).Inc()
			}
			return
		default:
		}
		// Channel full: discard the oldest unread event and retry.
		select {
		case <-f.out:
			f.dropCount.Add(1)
			if f.metrics != nil {
				f.metrics.EventsDropped.Inc()
			}
		default:
		}
	}
}

// unparseable records a payload that did not match its expected shape.
// Never propagated upward; logged and counted only.
func (f *FanIn) unparseable(source types.EventSource, err error, payload []byte) {
	if f.metrics != nil {
		f.metrics.UnparseableEvents.WithLabelValues(string(source)).Inc()
	}
	f.logger.Warn("unparseable event",
		zap.String("source", string(source)),
		zap.Error(err),
		zap.Int("payload_bytes", len(payload)),
	)
}
