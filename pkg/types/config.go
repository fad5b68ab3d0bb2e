// Package types provides configuration types for the kestrel engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full configuration tree loaded at startup.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" json:"server"`
	RPC        RPCConfig        `mapstructure:"rpc" json:"rpc"`
	Wallet     WalletConfig     `mapstructure:"wallet" json:"wallet"`
	Listener   ListenerConfig   `mapstructure:"listener" json:"listener"`
	Threat     ThreatConfig     `mapstructure:"threat" json:"threat"`
	Strategies StrategiesConfig `mapstructure:"strategies" json:"strategies"`
	Capital    CapitalConfig    `mapstructure:"capital" json:"capital"`
	Position   PositionConfig   `mapstructure:"position" json:"position"`
	Simulation bool             `mapstructure:"simulation" json:"simulation"`
	LogLevel   string           `mapstructure:"log_level" json:"logLevel"`
}

// ServerConfig configures the control API server.
type ServerConfig struct {
	Host           string        `mapstructure:"host" json:"host"`
	Port           int           `mapstructure:"port" json:"port"`
	WebSocketPath  string        `mapstructure:"websocket_path" json:"websocketPath"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
	MaxConnections int           `mapstructure:"max_connections" json:"maxConnections"`
	EnableMetrics  bool          `mapstructure:"enable_metrics" json:"enableMetrics"`
	MetricsPort    int           `mapstructure:"metrics_port" json:"metricsPort"`
}

// RPCEndpointConfig is one endpoint in the failover pool.
type RPCEndpointConfig struct {
	URL       string `mapstructure:"url" json:"url"`
	WSURL     string `mapstructure:"ws_url" json:"wsUrl"`
	AuthToken string `mapstructure:"auth_token" json:"-"`
}

// RPCConfig configures the failover client.
type RPCConfig struct {
	Endpoints              []RPCEndpointConfig `mapstructure:"endpoints" json:"endpoints"`
	CallTimeout            time.Duration       `mapstructure:"call_timeout" json:"callTimeout"`
	HealthCheckInterval    time.Duration       `mapstructure:"health_check_interval" json:"healthCheckInterval"`
	MaxConsecutiveFailures int                 `mapstructure:"max_consecutive_failures" json:"maxConsecutiveFailures"`
	BlockhashTTL           time.Duration       `mapstructure:"blockhash_ttl" json:"blockhashTtl"`
	SubscribeRetries       int                 `mapstructure:"subscribe_retries" json:"subscribeRetries"`
}

// WalletConfig locates the signing keypair.
type WalletConfig struct {
	KeypairPath    string  `mapstructure:"keypair_path" json:"keypairPath"`
	KeypairEnv     string  `mapstructure:"keypair_env" json:"keypairEnv"`
	SignRatePerSec float64 `mapstructure:"sign_rate_per_sec" json:"signRatePerSec"`
	SignBurst      int     `mapstructure:"sign_burst" json:"signBurst"`
}

// ListenerConfig configures the fan-in.
type ListenerConfig struct {
	ChannelCapacity int           `mapstructure:"channel_capacity" json:"channelCapacity"`
	DedupCapacity   int           `mapstructure:"dedup_capacity" json:"dedupCapacity"`
	DedupWindow     time.Duration `mapstructure:"dedup_window" json:"dedupWindow"`
	PollInterval    time.Duration `mapstructure:"poll_interval" json:"pollInterval"`
	ListingFeedURL  string        `mapstructure:"listing_feed_url" json:"listingFeedUrl"`
}

// ThreatConfig configures the scoring engine.
type ThreatConfig struct {
	HeuristicDeadline time.Duration `mapstructure:"heuristic_deadline" json:"heuristicDeadline"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" json:"cacheTtl"`
	CacheCapacity     int           `mapstructure:"cache_capacity" json:"cacheCapacity"`
	ReputationDBPath  string        `mapstructure:"reputation_db_path" json:"reputationDbPath"`
	// BlacklistCreators must be non-nil; an empty slice means no static
	// blacklist. The constructor rejects nil.
	BlacklistCreators []string `mapstructure:"blacklist_creators" json:"blacklistCreators"`
}

// StrategyParams is the mutable parameter set of one strategy.
type StrategyParams struct {
	Enabled             bool            `mapstructure:"enabled" json:"enabled"`
	ConfidenceThreshold float64         `mapstructure:"confidence_threshold" json:"confidenceThreshold"`
	AllocationCeiling   decimal.Decimal `mapstructure:"allocation_ceiling" json:"allocationCeiling"`
	BaseOrderSize       decimal.Decimal `mapstructure:"base_order_size" json:"baseOrderSize"`
	MinLiquidityBase    uint64          `mapstructure:"min_liquidity_base" json:"minLiquidityBase"`
	MaxTokenAge         time.Duration   `mapstructure:"max_token_age" json:"maxTokenAge"`
	CopyDelay           time.Duration   `mapstructure:"copy_delay" json:"copyDelay"`
	CopyFraction        float64         `mapstructure:"copy_fraction" json:"copyFraction"`
	MinVirality         float64         `mapstructure:"min_virality" json:"minVirality"`
	MinSentiment        float64         `mapstructure:"min_sentiment" json:"minSentiment"`
	MaxBotRatio         float64         `mapstructure:"max_bot_ratio" json:"maxBotRatio"`
}

// StrategiesConfig holds per-strategy parameters keyed by tag.
type StrategiesConfig struct {
	Snipe     StrategyParams `mapstructure:"snipe" json:"snipe"`
	Momentum  StrategyParams `mapstructure:"momentum" json:"momentum"`
	Reversal  StrategyParams `mapstructure:"reversal" json:"reversal"`
	WhaleCopy StrategyParams `mapstructure:"whale_copy" json:"whaleCopy"`
	Social    StrategyParams `mapstructure:"social" json:"social"`
	// WhaleWallets is the curated set mirrored by whale_copy.
	WhaleWallets []string `mapstructure:"whale_wallets" json:"whaleWallets"`
	// RiskDamping applies the (1 - composite) Kelly damping term.
	RiskDamping bool `mapstructure:"risk_damping" json:"riskDamping"`
}

// CapitalConfig bounds position sizing.
type CapitalConfig struct {
	TotalBase        decimal.Decimal `mapstructure:"total_base" json:"totalBase"`
	PerMintCeiling   decimal.Decimal `mapstructure:"per_mint_ceiling" json:"perMintCeiling"`
	ExposureCeiling  decimal.Decimal `mapstructure:"exposure_ceiling" json:"exposureCeiling"`
	MinTradeBase     decimal.Decimal `mapstructure:"min_trade_base" json:"minTradeBase"`
}

// PositionConfig configures lifecycle management.
type PositionConfig struct {
	StopLossPct       decimal.Decimal `mapstructure:"stop_loss_pct" json:"stopLossPct"`
	TrailingPct       decimal.Decimal `mapstructure:"trailing_pct" json:"trailingPct"`
	TakeProfitPct     decimal.Decimal `mapstructure:"take_profit_pct" json:"takeProfitPct"`
	MaxHold           time.Duration   `mapstructure:"max_hold" json:"maxHold"`
	MonitorInterval   time.Duration   `mapstructure:"monitor_interval" json:"monitorInterval"`
	FallbackInterval  time.Duration   `mapstructure:"fallback_interval" json:"fallbackInterval"`
	MaxExitRetries    int             `mapstructure:"max_exit_retries" json:"maxExitRetries"`
	BuySlippagePct    decimal.Decimal `mapstructure:"buy_slippage_pct" json:"buySlippagePct"`
	SellSlippagePct   decimal.Decimal `mapstructure:"sell_slippage_pct" json:"sellSlippagePct"`
	SlippageCapPct    decimal.Decimal `mapstructure:"slippage_cap_pct" json:"slippageCapPct"`
	BlacklistDuration time.Duration   `mapstructure:"blacklist_duration" json:"blacklistDuration"`
	FillDeadline      time.Duration   `mapstructure:"fill_deadline" json:"fillDeadline"`
}

// DefaultConfig returns the documented defaults. Endpoint list and wallet
// keypair have no defaults and must come from the config file or env.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8080,
			WebSocketPath:  "/ws",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxConnections: 100,
			EnableMetrics:  true,
			MetricsPort:    9090,
		},
		RPC: RPCConfig{
			CallTimeout:            2 * time.Second,
			HealthCheckInterval:    30 * time.Second,
			MaxConsecutiveFailures: 3,
			BlockhashTTL:           400 * time.Millisecond,
			SubscribeRetries:       3,
		},
		Wallet: WalletConfig{
			SignRatePerSec: 20,
			SignBurst:      40,
		},
		Listener: ListenerConfig{
			ChannelCapacity: 1024,
			DedupCapacity:   50_000,
			DedupWindow:     60 * time.Second,
			PollInterval:    2 * time.Second,
		},
		Threat: ThreatConfig{
			HeuristicDeadline: 1500 * time.Millisecond,
			CacheTTL:          60 * time.Second,
			CacheCapacity:     4096,
			ReputationDBPath:  "kestrel-reputation.db",
			BlacklistCreators: []string{},
		},
		Strategies: StrategiesConfig{
			Snipe:       StrategyParams{Enabled: true, ConfidenceThreshold: 0.7, AllocationCeiling: decimal.NewFromFloat(2.0), BaseOrderSize: decimal.NewFromFloat(0.5), MinLiquidityBase: 5_000_000_000, MaxTokenAge: 2 * time.Minute},
			Momentum:    StrategyParams{Enabled: true, ConfidenceThreshold: 0.7, AllocationCeiling: decimal.NewFromFloat(1.5), BaseOrderSize: decimal.NewFromFloat(0.3)},
			Reversal:    StrategyParams{Enabled: true, ConfidenceThreshold: 0.7, AllocationCeiling: decimal.NewFromFloat(1.0), BaseOrderSize: decimal.NewFromFloat(0.3)},
			WhaleCopy:   StrategyParams{Enabled: false, ConfidenceThreshold: 0.7, AllocationCeiling: decimal.NewFromFloat(1.0), BaseOrderSize: decimal.NewFromFloat(0.2), CopyDelay: 2 * time.Second, CopyFraction: 0.1},
			Social:      StrategyParams{Enabled: false, ConfidenceThreshold: 0.7, AllocationCeiling: decimal.NewFromFloat(0.5), BaseOrderSize: decimal.NewFromFloat(0.2), MinVirality: 0.6, MinSentiment: 0.5, MaxBotRatio: 0.4},
			RiskDamping: true,
		},
		Capital: CapitalConfig{
			TotalBase:       decimal.NewFromFloat(10),
			PerMintCeiling:  decimal.NewFromFloat(1.0),
			ExposureCeiling: decimal.NewFromFloat(5.0),
			MinTradeBase:    decimal.NewFromFloat(0.005),
		},
		Position: PositionConfig{
			StopLossPct:       decimal.NewFromFloat(0.15),
			TrailingPct:       decimal.NewFromFloat(0.10),
			TakeProfitPct:     decimal.NewFromFloat(0.50),
			MaxHold:           10 * time.Minute,
			MonitorInterval:   time.Second,
			FallbackInterval:  5 * time.Second,
			MaxExitRetries:    3,
			BuySlippagePct:    decimal.NewFromFloat(0.02),
			SellSlippagePct:   decimal.NewFromFloat(0.03),
			SlippageCapPct:    decimal.NewFromFloat(0.50),
			BlacklistDuration: time.Hour,
			FillDeadline:      20 * time.Second,
		},
		Simulation: true,
		LogLevel:   "info",
	}
}
