// Package config loads the structured configuration at startup.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Load reads the config file (when path is non-empty) over the documented
// defaults, with KESTREL_* environment overrides.
func Load(path string) (types.Config, error) {
	cfg := types.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			decimalHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		))); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decimalHook decodes YAML numbers and strings into decimal.Decimal.
func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return data, nil
	}
}

// Validate rejects configurations the engine cannot start with.
func Validate(cfg *types.Config) error {
	if len(cfg.RPC.Endpoints) == 0 {
		return fmt.Errorf("config: at least one rpc endpoint required")
	}
	for i, ep := range cfg.RPC.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("config: rpc endpoint %d has no url", i)
		}
	}
	if !cfg.Simulation && cfg.Wallet.KeypairPath == "" && cfg.Wallet.KeypairEnv == "" {
		return fmt.Errorf("config: live mode requires a wallet keypair")
	}
	if !cfg.Capital.TotalBase.IsPositive() {
		return fmt.Errorf("config: capital total must be positive")
	}
	if cfg.Position.MaxHold <= 0 {
		return fmt.Errorf("config: max hold must be positive")
	}
	if cfg.Threat.BlacklistCreators == nil {
		cfg.Threat.BlacklistCreators = []string{}
	}
	return nil
}
