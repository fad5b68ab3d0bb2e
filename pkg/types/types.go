// Package types provides shared type definitions for the kestrel engine.
package types

import (
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// MintAddress is the 32-byte identifier of a token mint.
type MintAddress [32]byte

// String renders the address in base58, the canonical on-chain form.
func (m MintAddress) String() string {
	return base58.Encode(m[:])
}

// ParseMintAddress decodes a base58 mint address.
func ParseMintAddress(s string) (MintAddress, error) {
	var m MintAddress
	raw, err := base58.Decode(s)
	if err != nil {
		return m, err
	}
	if len(raw) != 32 {
		return m, ErrBadAddressLength
	}
	copy(m[:], raw)
	return m, nil
}

// MarshalText lets mint addresses render as base58 in JSON payloads and map keys.
func (m MintAddress) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MintAddress) UnmarshalText(b []byte) error {
	parsed, err := ParseMintAddress(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Platform identifies where a token was first observed.
type Platform string

const (
	PlatformLaunchA      Platform = "launch_a"
	PlatformLaunchB      Platform = "launch_b"
	PlatformGraduatedAMM Platform = "graduated_amm"
)

// EventSource tags which listener adapter emitted a token event.
type EventSource string

const (
	SourceTxLogs   EventSource = "tx_logs"
	SourceBlocks   EventSource = "blocks"
	SourceSidecar  EventSource = "sidecar"
	SourceListFeed EventSource = "listing_feed"
	SourceManual   EventSource = "manual"
)

// TokenEvent is one newly observed token, normalized across all sources.
type TokenEvent struct {
	Mint                 MintAddress `json:"mint"`
	Creator              MintAddress `json:"creator"`
	DiscoveredAt         time.Time   `json:"discoveredAt"`
	Source               EventSource `json:"source"`
	InitialLiquidityBase uint64      `json:"initialLiquidityBase"` // smallest unit
	Platform             Platform    `json:"platform"`
	Observations         int         `json:"observations"` // cross-source confirmation count
}

// ProviderStatus is the health classification of one RPC endpoint.
type ProviderStatus string

const (
	ProviderHealthy   ProviderStatus = "healthy"
	ProviderDegraded  ProviderStatus = "degraded"
	ProviderUnhealthy ProviderStatus = "unhealthy"
	ProviderUnknown   ProviderStatus = "unknown"
)

// ProviderHealth is a snapshot of one endpoint's metrics.
type ProviderHealth struct {
	EndpointURL         string         `json:"endpointUrl"`
	Status              ProviderStatus `json:"status"`
	LatencyEMAMillis    float64        `json:"latencyEmaMs"`
	SuccessRate         float64        `json:"successRate"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	LastSuccessAt       time.Time      `json:"lastSuccessAt"`
	Score               float64        `json:"score"`
}

// RiskLevel buckets the composite threat score.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskMonitor  RiskLevel = "monitor"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor maps a composite score onto a level.
func RiskLevelFor(composite float64) RiskLevel {
	switch {
	case composite < 0.3:
		return RiskSafe
	case composite < 0.6:
		return RiskMonitor
	case composite < 0.85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// UncertaintyClass classifies the width of a report's confidence interval.
type UncertaintyClass string

const (
	UncertaintyLow  UncertaintyClass = "low"
	UncertaintyMed  UncertaintyClass = "med"
	UncertaintyHigh UncertaintyClass = "high"
)

// ConfidenceInterval bounds a composite score.
type ConfidenceInterval struct {
	Lower       float64          `json:"lower"`
	Upper       float64          `json:"upper"`
	Uncertainty UncertaintyClass `json:"uncertainty"`
}

// FactorContribution is one (bucket, heuristic, contribution) entry in the
// ordered explanation of a threat report.
type FactorContribution struct {
	Bucket       string  `json:"bucket"`
	Factor       string  `json:"factor"`
	Contribution float64 `json:"contribution"`
}

// ThreatReport is the scoring engine's output for one mint.
type ThreatReport struct {
	Mint           MintAddress          `json:"mint"`
	ScoreRisk      float64              `json:"scoreRisk"`
	ScoreTechnical float64              `json:"scoreTechnical"`
	ScoreMarket    float64              `json:"scoreMarket"`
	Composite      float64              `json:"composite"`
	RiskLevel      RiskLevel            `json:"riskLevel"`
	Confidence     ConfidenceInterval   `json:"confidence"`
	TopFactors     []FactorContribution `json:"topFactors"`
	UnknownCount   int                  `json:"unknownCount"`
	TotalCount     int                  `json:"totalCount"`
	GeneratedAt    time.Time            `json:"generatedAt"`
}

// SignalAction is what a strategy wants done.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// StrategySignal is one strategy's vote on one mint.
type StrategySignal struct {
	Mint              MintAddress     `json:"mint"`
	Action            SignalAction    `json:"action"`
	Confidence        float64         `json:"confidence"`
	SuggestedSizeBase decimal.Decimal `json:"suggestedSizeBase"`
	StrategyTag       string          `json:"strategyTag"`
	Reason            string          `json:"reason"`
	GeneratedAt       time.Time       `json:"generatedAt"`
}

// TradeIntent is the combinator's single aggregated decision for a mint.
type TradeIntent struct {
	ID          string          `json:"id"`
	Mint        MintAddress     `json:"mint"`
	Action      SignalAction    `json:"action"`
	SizeBase    decimal.Decimal `json:"sizeBase"`
	SlippagePct decimal.Decimal `json:"slippagePct"`
	StrategyTag string          `json:"strategyTag"`
	Reason      string          `json:"reason"`
	Manual      bool            `json:"manual"` // console-injected, bypasses veto
	Priority    bool            `json:"priority"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// PositionState is the lifecycle state of a holding.
type PositionState string

const (
	PositionOpening PositionState = "opening"
	PositionOpen    PositionState = "open"
	PositionClosing PositionState = "closing"
	PositionClosed  PositionState = "closed"
	PositionFailed  PositionState = "failed"
)

// Position is one active holding. At most one non-closed Position exists per
// mint at any time.
type Position struct {
	Mint             MintAddress     `json:"mint"`
	StrategyTag      string          `json:"strategyTag"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	EntryTime        time.Time       `json:"entryTime"`
	Quantity         decimal.Decimal `json:"quantity"`
	CapitalCommitted decimal.Decimal `json:"capitalCommitted"`
	StopLossPrice    decimal.Decimal `json:"stopLossPrice"`
	TakeProfitPrice  decimal.Decimal `json:"takeProfitPrice"`
	MaxHoldDeadline  time.Time       `json:"maxHoldDeadline"`
	TrailingHigh     decimal.Decimal `json:"trailingHigh"`
	CurrentPrice     decimal.Decimal `json:"currentPrice"`
	RealizedPnL      decimal.Decimal `json:"realizedPnl"`
	State            PositionState   `json:"state"`
}

// ExitReason names which trigger closed a position.
type ExitReason string

const (
	ExitEmergency    ExitReason = "emergency"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitMaxHold      ExitReason = "max_hold"
	ExitStrategy     ExitReason = "strategy"
	ExitManual       ExitReason = "manual"
)

// AlertSeverity grades threat alerts.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// ThreatAlert is a fire-and-forget message from the scoring engine to the
// position manager.
type ThreatAlert struct {
	Mint      MintAddress   `json:"mint"`
	Severity  AlertSeverity `json:"severity"`
	Composite float64       `json:"composite"`
	Trend     float64       `json:"trend"`
	Message   string        `json:"message"`
	At        time.Time     `json:"at"`
}

// StrategyStats accumulates per-strategy performance.
type StrategyStats struct {
	Tag           string          `json:"tag"`
	Trades        int             `json:"trades"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	TotalPnL      decimal.Decimal `json:"totalPnl"`
	AvgHold       time.Duration   `json:"avgHold"`
	AvgConfidence float64         `json:"avgConfidence"`
}

type addrLengthError struct{}

func (addrLengthError) Error() string { return "mint address must decode to 32 bytes" }

// ErrBadAddressLength is returned when a base58 address is not 32 bytes.
var ErrBadAddressLength error = addrLengthError{}
