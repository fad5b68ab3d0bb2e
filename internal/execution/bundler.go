package execution

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/internal/position"
	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

const (
	// priorityFeeBase is the default compute-unit price; priority submissions
	// multiply it.
	priorityFeeBase     uint64 = 10_000
	priorityFeeMult     uint64 = 20
	staleRetries               = 2
	confirmPollInterval        = 400 * time.Millisecond
)

// Bundler implements the trading surface on top of the failover client and
// the wallet signer. In simulation mode submissions are short-circuited and
// fills synthesized at the observed price; everything else behaves as live.
type Bundler struct {
	logger     *zap.Logger
	client     *rpcpool.Client
	wallet     *Wallet
	metrics    *metrics.Metrics
	simulation bool
}

// NewBundler wires the execution layer.
func NewBundler(logger *zap.Logger, client *rpcpool.Client, wallet *Wallet, simulation bool, m *metrics.Metrics) *Bundler {
	return &Bundler{
		logger:     logger,
		client:     client,
		wallet:     wallet,
		metrics:    m,
		simulation: simulation,
	}
}

var _ position.Trader = (*Bundler)(nil)

// Buy submits a swap of sizeBase native units into the mint.
func (b *Bundler) Buy(ctx context.Context, mint types.MintAddress, sizeBase, slippagePct decimal.Decimal, priority bool) (*position.Fill, error) {
	return b.execute(ctx, mint, types.ActionBuy, sizeBase, slippagePct, priority)
}

// Sell submits a swap of quantity tokens back into the native asset.
func (b *Bundler) Sell(ctx context.Context, mint types.MintAddress, quantity, slippagePct decimal.Decimal, priority bool) (*position.Fill, error) {
	return b.execute(ctx, mint, types.ActionSell, quantity, slippagePct, priority)
}

func (b *Bundler) execute(ctx context.Context, mint types.MintAddress, action types.SignalAction, amount, slippagePct decimal.Decimal, priority bool) (*position.Fill, error) {
	price, err := b.Price(ctx, mint)
	if err != nil {
		return nil, err
	}

	if b.simulation {
		// Simulation is a logging overlay on the live path, not a parallel
		// implementation: the fill is synthesized at the observed price.
		b.logger.Info("simulated fill",
			zap.String("mint", mint.String()),
			zap.String("action", string(action)),
			zap.String("amount", amount.String()),
			zap.String("price", price.String()),
		)
		qty := amount
		if action == types.ActionBuy && price.IsPositive() {
			qty = amount.Div(price)
		}
		return &position.Fill{Price: price, Quantity: qty, Signature: "sim", At: time.Now()}, nil
	}

	// StaleState retries refresh the blockhash and rebuild the message;
	// anything else is the caller's decision.
	var lastErr error
	for attempt := 0; attempt <= staleRetries; attempt++ {
		fill, err := b.submitOnce(ctx, mint, action, amount, slippagePct, priority, price)
		if err == nil {
			return fill, nil
		}
		lastErr = err
		if rpcpool.KindOf(err) != rpcpool.KindStaleState {
			return nil, err
		}
		b.client.InvalidateBlockhash()
	}
	return nil, lastErr
}

func (b *Bundler) submitOnce(ctx context.Context, mint types.MintAddress, action types.SignalAction, amount, slippagePct decimal.Decimal, priority bool, quotePrice decimal.Decimal) (*position.Fill, error) {
	bh, err := b.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	msg := b.buildSwapMessage(mint, action, amount, slippagePct, priority, bh)
	sig, err := b.wallet.Sign(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	tx := append(append([]byte{1}, sig...), msg...)
	raw, err := b.client.Call(ctx, "sendTransaction", []any{
		base58.Encode(tx),
		map[string]any{"encoding": "base58", "skipPreflight": true, "maxRetries": 0},
	})
	if err != nil {
		return nil, err
	}

	var txSig string
	if err := json.Unmarshal(raw, &txSig); err != nil {
		return nil, rpcpool.NewError(rpcpool.KindUnparseableInput, err)
	}

	if err := b.awaitConfirmation(ctx, txSig); err != nil {
		return nil, err
	}

	qty := amount
	if action == types.ActionBuy && quotePrice.IsPositive() {
		qty = amount.Div(quotePrice)
	}
	return &position.Fill{Price: quotePrice, Quantity: qty, Signature: txSig, At: time.Now()}, nil
}

// buildSwapMessage serializes the unsigned swap message. The wire layout is
// the launch-platform router's fixed encoding: tag, payer, mint, amount in
// smallest units, slippage bps, compute-unit price, then the pinned
// blockhash.
func (b *Bundler) buildSwapMessage(mint types.MintAddress, action types.SignalAction, amount, slippagePct decimal.Decimal, priority bool, bh rpcpool.Blockhash) []byte {
	buf := make([]byte, 0, 128)

	tag := byte(0)
	if action == types.ActionSell {
		tag = 1
	}
	buf = append(buf, tag)

	payer := b.wallet.PublicKey()
	buf = append(buf, payer[:]...)
	buf = append(buf, mint[:]...)

	lamports := amount.Mul(decimal.NewFromInt(1_000_000_000)).IntPart()
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(lamports))
	buf = append(buf, u64[:]...)

	slipBps := slippagePct.Mul(decimal.NewFromInt(10_000)).IntPart()
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(slipBps))
	buf = append(buf, u16[:]...)

	fee := priorityFeeBase
	if priority {
		fee = priorityFeeBase * priorityFeeMult
	}
	binary.LittleEndian.PutUint64(u64[:], fee)
	buf = append(buf, u64[:]...)

	hash, err := base58.Decode(bh.Hash)
	if err != nil || len(hash) != 32 {
		hash = make([]byte, 32)
	}
	buf = append(buf, hash...)
	return buf
}

// awaitConfirmation polls signature status until confirmation or deadline.
func (b *Bundler) awaitConfirmation(ctx context.Context, txSig string) error {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return rpcpool.NewError(rpcpool.KindTransientTransport, ctx.Err())
		case <-ticker.C:
			raw, err := b.client.Call(ctx, "getSignatureStatuses", []any{[]string{txSig}})
			if err != nil {
				continue
			}
			var parsed struct {
				Value []*struct {
					ConfirmationStatus string `json:"confirmationStatus"`
					Err                any    `json:"err"`
				} `json:"value"`
			}
			if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Value) == 0 || parsed.Value[0] == nil {
				continue
			}
			st := parsed.Value[0]
			if st.Err != nil {
				return rpcpool.NewError(rpcpool.KindDefinitiveTransport, fmt.Errorf("transaction failed on chain: %v", st.Err))
			}
			if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				return nil
			}
		}
	}
}

// Probe checks whether the wallet holds the mint, after an unconfirmed buy.
func (b *Bundler) Probe(ctx context.Context, mint types.MintAddress) (*position.Fill, bool, error) {
	raw, err := b.client.Call(ctx, "getTokenAccountsByOwner", []any{
		b.wallet.PublicKey().String(),
		map[string]string{"mint": mint.String()},
		map[string]string{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, false, err
	}

	var parsed struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								UIAmountString string `json:"uiAmountString"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, rpcpool.NewError(rpcpool.KindUnparseableInput, err)
	}
	if len(parsed.Value) == 0 {
		return nil, false, nil
	}

	qty, err := decimal.NewFromString(parsed.Value[0].Account.Data.Parsed.Info.TokenAmount.UIAmountString)
	if err != nil || !qty.IsPositive() {
		return nil, false, nil
	}

	price, err := b.Price(ctx, mint)
	if err != nil {
		price = decimal.Zero
	}
	return &position.Fill{Price: price, Quantity: qty, Signature: "probe", At: time.Now()}, true, nil
}

// Price fetches the current quote for the mint from the sidecar index.
func (b *Bundler) Price(ctx context.Context, mint types.MintAddress) (decimal.Decimal, error) {
	raw, err := b.client.Call(ctx, "indexGetPrice", []any{mint.String()})
	if err != nil {
		return decimal.Zero, err
	}
	var parsed struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return decimal.Zero, rpcpool.NewError(rpcpool.KindUnparseableInput, err)
	}
	price, err := decimal.NewFromString(parsed.Price)
	if err != nil {
		return decimal.Zero, rpcpool.NewError(rpcpool.KindUnparseableInput, err)
	}
	return price, nil
}
