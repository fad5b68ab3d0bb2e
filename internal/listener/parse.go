package listener

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Payload shapes are versioned and pinned per source. Unknown fields are
// ignored; missing required fields yield an error that the caller records as
// an UnparseableEvent.

// launchNotification is the common shape pushed by the tx-log and sidecar
// subscriptions (v1).
type launchNotification struct {
	Params struct {
		Result struct {
			Value launchValue `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

type launchValue struct {
	Mint              string `json:"mint"`
	Creator           string `json:"creator"`
	LiquidityLamports uint64 `json:"liquidityLamports"`
	Platform          string `json:"platform"`
	Timestamp         int64  `json:"ts"`
}

// blockNotification is the block-confirmation stream's shape (v1): a block
// carrying zero or more launch records.
type blockNotification struct {
	Params struct {
		Result struct {
			Value struct {
				Slot     uint64        `json:"slot"`
				Launches []launchValue `json:"launches"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// listingItem is one entry of the third-party listing feed (v1).
type listingItem struct {
	Mint      string `json:"mint"`
	Deployer  string `json:"deployer"`
	BaseLiq   uint64 `json:"baseLiquidity"`
	Venue     string `json:"venue"`
	ListedAt  int64  `json:"listedAt"`
}

func platformFor(s string) (types.Platform, error) {
	switch s {
	case "launch_a", "pump":
		return types.PlatformLaunchA, nil
	case "launch_b", "moonshot":
		return types.PlatformLaunchB, nil
	case "graduated_amm", "amm", "raydium":
		return types.PlatformGraduatedAMM, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

func eventFromLaunchValue(v launchValue, source types.EventSource) (types.TokenEvent, error) {
	if v.Mint == "" || v.Creator == "" {
		return types.TokenEvent{}, fmt.Errorf("missing mint or creator")
	}
	mint, err := types.ParseMintAddress(v.Mint)
	if err != nil {
		return types.TokenEvent{}, fmt.Errorf("mint: %w", err)
	}
	creator, err := types.ParseMintAddress(v.Creator)
	if err != nil {
		return types.TokenEvent{}, fmt.Errorf("creator: %w", err)
	}
	platform, err := platformFor(v.Platform)
	if err != nil {
		return types.TokenEvent{}, err
	}
	discovered := time.Now()
	if v.Timestamp > 0 {
		discovered = time.Unix(v.Timestamp, 0)
	}
	return types.TokenEvent{
		Mint:                 mint,
		Creator:              creator,
		DiscoveredAt:         discovered,
		Source:               source,
		InitialLiquidityBase: v.LiquidityLamports,
		Platform:             platform,
	}, nil
}

func parseLaunchPayload(raw []byte, source types.EventSource) (types.TokenEvent, error) {
	var n launchNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return types.TokenEvent{}, err
	}
	return eventFromLaunchValue(n.Params.Result.Value, source)
}

func parseBlockPayload(raw []byte) ([]types.TokenEvent, error) {
	var n blockNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	events := make([]types.TokenEvent, 0, len(n.Params.Result.Value.Launches))
	for _, v := range n.Params.Result.Value.Launches {
		ev, err := eventFromLaunchValue(v, types.SourceBlocks)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseListingItem(item listingItem) (types.TokenEvent, error) {
	return eventFromLaunchValue(launchValue{
		Mint:              item.Mint,
		Creator:           item.Deployer,
		LiquidityLamports: item.BaseLiq,
		Platform:          item.Venue,
		Timestamp:         item.ListedAt,
	}, types.SourceListFeed)
}
