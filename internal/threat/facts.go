package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// HolderShare is one entry of the top-holder distribution.
type HolderShare struct {
	Address types.MintAddress
	Share   float64 // fraction of supply
}

// Transfer is one edge of the token transfer graph.
type Transfer struct {
	From   types.MintAddress
	To     types.MintAddress
	Amount decimal.Decimal
	Slot   uint64
}

// TokenFacts is the on-chain state the heuristics read. Each scoring run
// fetches it once; heuristics never issue their own RPC calls.
type TokenFacts struct {
	MintAuthorityPresent   bool
	FreezeAuthorityPresent bool
	MetadataMutable        bool
	PermanentDelegate      bool
	TransferHook           bool
	Extensions             []string
	ProgramOwner           string
	Decimals               int
	Supply                 decimal.Decimal

	Symbol       string
	Name         string
	URI          string
	URIReachable bool
	MimeOK       bool

	TopHolders  []HolderShare
	HolderCount int

	LiquidityBase   decimal.Decimal
	LiquidityLocked bool
	Volume24hBase   decimal.Decimal
	BaselineVolume  decimal.Decimal
	UniqueBuyers    int

	CurveExpectedPrice decimal.Decimal
	ObservedPrice      decimal.Decimal

	SellProbeOK bool // honeypot probe: a simulated sell succeeded

	Transfers    []Transfer
	FundingEdges []Transfer // wallet-funding edges for cluster analysis
}

// ChainReader supplies TokenFacts. The production reader goes through the
// failover client; tests substitute a fixture.
type ChainReader interface {
	TokenFacts(ctx context.Context, mint types.MintAddress) (*TokenFacts, error)
}

// rpcReader reads token facts through the RPC pool plus the sidecar index,
// which serves the aggregates (volume, holders, transfer graph) that raw RPC
// cannot answer quickly.
type rpcReader struct {
	client *rpcpool.Client
}

// NewChainReader builds the production fact source.
func NewChainReader(client *rpcpool.Client) ChainReader {
	return &rpcReader{client: client}
}

// indexTokenResult is the sidecar's token snapshot (v1). Unknown fields are
// ignored.
type indexTokenResult struct {
	MintAuthority   bool     `json:"mintAuthority"`
	FreezeAuthority bool     `json:"freezeAuthority"`
	MetadataMutable bool     `json:"metadataMutable"`
	PermanentDeleg  bool     `json:"permanentDelegate"`
	TransferHook    bool     `json:"transferHook"`
	Extensions      []string `json:"extensions"`
	ProgramOwner    string   `json:"programOwner"`
	Decimals        int      `json:"decimals"`
	Supply          string   `json:"supply"`
	Symbol          string   `json:"symbol"`
	Name            string   `json:"name"`
	URI             string   `json:"uri"`
	URIReachable    bool     `json:"uriReachable"`
	MimeOK          bool     `json:"mimeOk"`
	HolderCount     int      `json:"holderCount"`
	LiquidityBase   string   `json:"liquidityBase"`
	LiquidityLocked bool     `json:"liquidityLocked"`
	Volume24h       string   `json:"volume24h"`
	BaselineVolume  string   `json:"baselineVolume"`
	UniqueBuyers    int      `json:"uniqueBuyers"`
	CurvePrice      string   `json:"curvePrice"`
	ObservedPrice   string   `json:"observedPrice"`
	SellProbeOK     bool     `json:"sellProbeOk"`
	TopHolders      []struct {
		Address string  `json:"address"`
		Share   float64 `json:"share"`
	} `json:"topHolders"`
	Transfers []struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
		Slot   uint64 `json:"slot"`
	} `json:"transfers"`
	FundingEdges []struct {
		From string `json:"from"`
		To   string `json:"to"`
		Slot uint64 `json:"slot"`
	} `json:"fundingEdges"`
}

func (r *rpcReader) TokenFacts(ctx context.Context, mint types.MintAddress) (*TokenFacts, error) {
	raw, err := r.client.Call(ctx, "indexGetToken", []any{mint.String()})
	if err != nil {
		return nil, fmt.Errorf("indexGetToken: %w", err)
	}
	var res indexTokenResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, rpcpool.NewError(rpcpool.KindUnparseableInput, err)
	}

	facts := &TokenFacts{
		MintAuthorityPresent:   res.MintAuthority,
		FreezeAuthorityPresent: res.FreezeAuthority,
		MetadataMutable:        res.MetadataMutable,
		PermanentDelegate:      res.PermanentDeleg,
		TransferHook:           res.TransferHook,
		Extensions:             res.Extensions,
		ProgramOwner:           res.ProgramOwner,
		Decimals:               res.Decimals,
		Supply:                 parseDecimal(res.Supply),
		Symbol:                 res.Symbol,
		Name:                   res.Name,
		URI:                    res.URI,
		URIReachable:           res.URIReachable,
		MimeOK:                 res.MimeOK,
		HolderCount:            res.HolderCount,
		LiquidityBase:          parseDecimal(res.LiquidityBase),
		LiquidityLocked:        res.LiquidityLocked,
		Volume24hBase:          parseDecimal(res.Volume24h),
		BaselineVolume:         parseDecimal(res.BaselineVolume),
		UniqueBuyers:           res.UniqueBuyers,
		CurveExpectedPrice:     parseDecimal(res.CurvePrice),
		ObservedPrice:          parseDecimal(res.ObservedPrice),
		SellProbeOK:            res.SellProbeOK,
	}
	for _, h := range res.TopHolders {
		addr, err := types.ParseMintAddress(h.Address)
		if err != nil {
			continue
		}
		facts.TopHolders = append(facts.TopHolders, HolderShare{Address: addr, Share: h.Share})
	}
	for _, t := range res.Transfers {
		from, err1 := types.ParseMintAddress(t.From)
		to, err2 := types.ParseMintAddress(t.To)
		if err1 != nil || err2 != nil {
			continue
		}
		facts.Transfers = append(facts.Transfers, Transfer{From: from, To: to, Amount: parseDecimal(t.Amount), Slot: t.Slot})
	}
	for _, t := range res.FundingEdges {
		from, err1 := types.ParseMintAddress(t.From)
		to, err2 := types.ParseMintAddress(t.To)
		if err1 != nil || err2 != nil {
			continue
		}
		facts.FundingEdges = append(facts.FundingEdges, Transfer{From: from, To: to, Slot: t.Slot})
	}
	return facts, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Subject is everything a heuristic may consult for one scoring run.
type Subject struct {
	Event *types.TokenEvent
	Facts *TokenFacts
	Age   time.Duration
	// Observations is the cross-source confirmation count at scoring time.
	Observations int
	// Reputation is the creator's record, nil when unknown.
	Reputation *CreatorRecord
	// BlacklistedCreator is true when the creator is statically blacklisted.
	BlacklistedCreator bool
	// WashCycles and CoordShare are filled by the graph pass, negative when
	// the analysis did not finish in time.
	WashCycles int
	CoordShare float64
}
