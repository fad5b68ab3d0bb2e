package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// StreamAdapter is a push-based source backed by one failover-client
// subscription. It covers the tx-log, block-confirmation and sidecar feeds,
// which differ only in subscription spec and payload parser.
type StreamAdapter struct {
	logger *zap.Logger
	client *rpcpool.Client
	fanin  *FanIn
	source types.EventSource
	spec   rpcpool.StreamSpec
	parse  func(raw []byte) ([]types.TokenEvent, error)
}

// NewLogsAdapter watches the transaction-log subscription for launch
// instructions on the launch platforms.
func NewLogsAdapter(logger *zap.Logger, client *rpcpool.Client, fanin *FanIn) *StreamAdapter {
	return &StreamAdapter{
		logger: logger,
		client: client,
		fanin:  fanin,
		source: types.SourceTxLogs,
		spec: rpcpool.StreamSpec{
			Method: "logsSubscribe",
			Params: []any{map[string]any{"mentions": []string{"launchpad"}}, map[string]string{"commitment": "processed"}},
		},
		parse: func(raw []byte) ([]types.TokenEvent, error) {
			ev, err := parseLaunchPayload(raw, types.SourceTxLogs)
			if err != nil {
				return nil, err
			}
			return []types.TokenEvent{ev}, nil
		},
	}
}

// NewBlocksAdapter watches confirmed blocks for launches that the log stream
// may have missed.
func NewBlocksAdapter(logger *zap.Logger, client *rpcpool.Client, fanin *FanIn) *StreamAdapter {
	return &StreamAdapter{
		logger: logger,
		client: client,
		fanin:  fanin,
		source: types.SourceBlocks,
		spec: rpcpool.StreamSpec{
			Method: "blockSubscribe",
			Params: []any{"all", map[string]string{"commitment": "confirmed"}},
		},
		parse: parseBlockPayload,
	}
}

// NewSidecarAdapter consumes the sidecar index feed, which pushes the same
// launch shape as the log stream but from an indexer ahead of confirmation.
func NewSidecarAdapter(logger *zap.Logger, client *rpcpool.Client, fanin *FanIn) *StreamAdapter {
	return &StreamAdapter{
		logger: logger,
		client: client,
		fanin:  fanin,
		source: types.SourceSidecar,
		spec: rpcpool.StreamSpec{
			Method: "indexSubscribe",
			Params: []any{map[string]string{"topic": "launches"}},
		},
		parse: func(raw []byte) ([]types.TokenEvent, error) {
			ev, err := parseLaunchPayload(raw, types.SourceSidecar)
			if err != nil {
				return nil, err
			}
			return []types.TokenEvent{ev}, nil
		},
	}
}

func (a *StreamAdapter) Name() string { return string(a.source) }

// Run owns the subscription until ctx is cancelled. Reconnection inside one
// endpoint and failover across endpoints happen in the stream itself; gaps
// are logged here so operators can reconcile.
func (a *StreamAdapter) Run(ctx context.Context) error {
	stream, err := a.client.Subscribe(ctx, a.spec)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.spec.Method, err)
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case gap, ok := <-stream.Gaps:
			if !ok {
				return nil
			}
			a.logger.Warn("stream gap",
				zap.String("adapter", a.Name()),
				zap.String("endpoint", gap.Endpoint),
				zap.Duration("width", gap.After.Sub(gap.Before)),
			)
		case raw, ok := <-stream.Events:
			if !ok {
				return fmt.Errorf("stream closed")
			}
			events, err := a.parse(raw)
			if err != nil {
				a.fanin.unparseable(a.source, err, raw)
				continue
			}
			for _, ev := range events {
				a.fanin.Emit(ev)
			}
		}
	}
}

// PollAdapter pulls a third-party listing feed on an interval.
type PollAdapter struct {
	logger   *zap.Logger
	fanin    *FanIn
	url      string
	interval time.Duration
	http     *http.Client
}

// NewPollAdapter builds the listing-feed poller.
func NewPollAdapter(logger *zap.Logger, fanin *FanIn, url string, interval time.Duration) *PollAdapter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollAdapter{
		logger:   logger,
		fanin:    fanin,
		url:      url,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *PollAdapter) Name() string { return string(types.SourceListFeed) }

func (a *PollAdapter) Run(ctx context.Context) error {
	if a.url == "" {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.pollOnce(ctx); err != nil {
				a.logger.Debug("listing feed poll failed", zap.Error(err))
			}
		}
	}
}

func (a *PollAdapter) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing feed status %d", resp.StatusCode)
	}

	var items []listingItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		a.fanin.unparseable(types.SourceListFeed, err, nil)
		return nil
	}
	for _, item := range items {
		ev, err := parseListingItem(item)
		if err != nil {
			a.fanin.unparseable(types.SourceListFeed, err, nil)
			continue
		}
		a.fanin.Emit(ev)
	}
	return nil
}
