package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/internal/strategy"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

const whaleTradeWindow = 5 * time.Minute

// WhaleWatcher follows the curated wallet set through the sidecar index's
// wallet-trade stream and serves the whale-copy strategy's feed. It runs
// under the fan-in's adapter supervision like the token sources, but emits
// into its own per-mint trade buffer instead of the token-event channel.
type WhaleWatcher struct {
	logger  *zap.Logger
	client  *rpcpool.Client
	wallets map[types.MintAddress]bool

	mu     sync.Mutex
	trades *lru.Cache[types.MintAddress, []strategy.WhaleTrade]
}

var _ strategy.WhaleFeed = (*WhaleWatcher)(nil)

// NewWhaleWatcher builds the watcher over the curated wallet set.
func NewWhaleWatcher(logger *zap.Logger, client *rpcpool.Client, wallets []types.MintAddress) (*WhaleWatcher, error) {
	cache, err := lru.New[types.MintAddress, []strategy.WhaleTrade](1024)
	if err != nil {
		return nil, err
	}
	set := make(map[types.MintAddress]bool, len(wallets))
	for _, w := range wallets {
		set[w] = true
	}
	return &WhaleWatcher{
		logger:  logger,
		client:  client,
		wallets: set,
		trades:  cache,
	}, nil
}

func (w *WhaleWatcher) Name() string { return "whale_trades" }

// Run owns the wallet-trade subscription until ctx is cancelled.
func (w *WhaleWatcher) Run(ctx context.Context) error {
	if len(w.wallets) == 0 {
		<-ctx.Done()
		return nil
	}

	watched := make([]string, 0, len(w.wallets))
	for addr := range w.wallets {
		watched = append(watched, addr.String())
	}

	stream, err := w.client.Subscribe(ctx, rpcpool.StreamSpec{
		Method: "indexSubscribe",
		Params: []any{map[string]any{"topic": "walletTrades", "wallets": watched}},
	})
	if err != nil {
		return fmt.Errorf("subscribe wallet trades: %w", err)
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
			w.logger.Warn("wallet-trade stream gap",
				zap.String("endpoint", gap.Endpoint),
				zap.Duration("width", gap.After.Sub(gap.Before)),
			)
		case raw, ok := <-stream.Events:
			if !ok {
				return fmt.Errorf("stream closed")
			}
			trade, err := parseWalletTrade(raw)
			if err != nil {
				w.logger.Debug("unparseable wallet trade", zap.Error(err))
				continue
			}
			if !w.wallets[trade.Wallet] {
				continue
			}
			w.record(trade)
		}
	}
}

// walletTradeNotification is the wallet-trade stream's shape (v1). Unknown
// fields are ignored.
type walletTradeNotification struct {
	Params struct {
		Result struct {
			Value struct {
				Wallet   string `json:"wallet"`
				Mint     string `json:"mint"`
				Side     string `json:"side"`
				SizeBase string `json:"sizeBase"`
				Ts       int64  `json:"ts"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func parseWalletTrade(raw []byte) (strategy.WhaleTrade, error) {
	var n walletTradeNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return strategy.WhaleTrade{}, err
	}
	v := n.Params.Result.Value
	if v.Wallet == "" || v.Mint == "" {
		return strategy.WhaleTrade{}, fmt.Errorf("missing wallet or mint")
	}

	wallet, err := types.ParseMintAddress(v.Wallet)
	if err != nil {
		return strategy.WhaleTrade{}, fmt.Errorf("wallet: %w", err)
	}
	mint, err := types.ParseMintAddress(v.Mint)
	if err != nil {
		return strategy.WhaleTrade{}, fmt.Errorf("mint: %w", err)
	}

	var action types.SignalAction
	switch v.Side {
	case "buy":
		action = types.ActionBuy
	case "sell":
		action = types.ActionSell
	default:
		return strategy.WhaleTrade{}, fmt.Errorf("unknown side %q", v.Side)
	}

	size := decimal.Zero
	if v.SizeBase != "" {
		size, err = decimal.NewFromString(v.SizeBase)
		if err != nil {
			return strategy.WhaleTrade{}, fmt.Errorf("size: %w", err)
		}
	}

	at := time.Now()
	if v.Ts > 0 {
		at = time.Unix(v.Ts, 0)
	}
	return strategy.WhaleTrade{
		Wallet:   wallet,
		Mint:     mint,
		Action:   action,
		SizeBase: size,
		At:       at,
	}, nil
}

// record appends one trade to its mint's buffer, pruning entries outside
// the copy window.
func (w *WhaleWatcher) record(t strategy.WhaleTrade) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, _ := w.trades.Get(t.Mint)
	cutoff := time.Now().Add(-whaleTradeWindow)
	kept := make([]strategy.WhaleTrade, 0, len(existing)+1)
	for _, tr := range existing {
		if tr.At.After(cutoff) {
			kept = append(kept, tr)
		}
	}
	kept = append(kept, t)
	w.trades.Add(t.Mint, kept)
}

// RecentTrades implements strategy.WhaleFeed.
func (w *WhaleWatcher) RecentTrades(mint types.MintAddress) []strategy.WhaleTrade {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, ok := w.trades.Get(mint)
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-whaleTradeWindow)
	out := make([]strategy.WhaleTrade, 0, len(existing))
	for _, tr := range existing {
		if tr.At.After(cutoff) {
			out = append(out, tr)
		}
	}
	return out
}
