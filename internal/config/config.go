// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Adapter  AdapterConfig  `mapstructure:"adapter"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ExecutionConfig points the REST side of the adapter at one venue symbol.
type ExecutionConfig struct {
	Symbol       string `mapstructure:"symbol"`
	URL          string `mapstructure:"url"`
	ExchangeName string `mapstructure:"exchange_name"`
}

// StreamingConfig points the WebSocket side of the adapter at one venue symbol.
type StreamingConfig struct {
	Symbol       string `mapstructure:"symbol"`
	URL          string `mapstructure:"url"`
	ExchangeName string `mapstructure:"exchange_name"`
}

// AdapterConfig holds venue connectivity and credentials.
type AdapterConfig struct {
	Name                string          `mapstructure:"name"`
	URL                 string          `mapstructure:"url"`
	APIKey              string          `mapstructure:"api_key"`
	APISecret           string          `mapstructure:"api_secret"`
	Execution           ExecutionConfig `mapstructure:"execution"`
	Streaming           StreamingConfig `mapstructure:"streaming"`
	CancelOrdersOnStart bool            `mapstructure:"cancel_orders_on_start"`
}

// PositionalRetreatConfig tunes how far quotes back away from the mid as
// position builds up. PositionIncrement is a decimal string (e.g. "100")
// since viper has no native decimal.Decimal support.
type PositionalRetreatConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	PositionIncrement string `mapstructure:"position_increment"`
	RetreatTicks      int    `mapstructure:"retreat_ticks"`
}

// PositionIncrementDecimal parses PositionIncrement.
func (p PositionalRetreatConfig) PositionIncrementDecimal() (decimal.Decimal, error) {
	if p.PositionIncrement == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(p.PositionIncrement)
}

// OrderLevel is one (level, quantity) rung of either the ask or the bid
// ladder, written in YAML as a {level, quantity} mapping. Quantity is a
// decimal string.
type OrderLevel struct {
	Level    int    `mapstructure:"level"`
	Quantity string `mapstructure:"quantity"`
}

// QuantityDecimal parses Quantity.
func (l OrderLevel) QuantityDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(l.Quantity)
}

// OrdersConfig is the bid/ask ladder the strategy generates each round.
type OrdersConfig struct {
	Asks []OrderLevel `mapstructure:"asks"`
	Bids []OrderLevel `mapstructure:"bids"`
}

// StrategyConfig tunes the mid-price market-making strategy. TickSize is a
// decimal string (e.g. "0.01").
type StrategyConfig struct {
	Name                     string                  `mapstructure:"name"`
	InstrumentName           string                  `mapstructure:"instrument_name"`
	TickSize                 string                  `mapstructure:"tick_size"`
	PriceRounding            int32                   `mapstructure:"price_rounding"`
	MidPriceBasedCalculation bool                    `mapstructure:"mid_price_based_calculation"`
	StopStrategyOnError      bool                    `mapstructure:"stop_strategy_on_error"`
	PositionalRetreat        PositionalRetreatConfig `mapstructure:"positional_retreat"`
	Orders                   OrdersConfig            `mapstructure:"orders"`
}

// TickSizeDecimal parses TickSize.
func (s StrategyConfig) TickSizeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(s.TickSize)
}

// LoggerConfig controls where and how verbosely the bot logs.
type LoggerConfig struct {
	Name          string `mapstructure:"name"`
	Level         string `mapstructure:"level"`
	LoggingFolder string `mapstructure:"logging_folder"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MM_API_KEY, MM_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("adapter.cancel_orders_on_start", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.Adapter.APIKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.Adapter.APISecret = secret
	}

	return &cfg, nil
}

// Validate checks all required fields and that every decimal string parses.
func (c *Config) Validate() error {
	if c.Adapter.URL == "" {
		return fmt.Errorf("adapter.url is required")
	}
	if c.Adapter.APIKey == "" {
		return fmt.Errorf("adapter.api_key is required (set MM_API_KEY)")
	}
	if c.Adapter.APISecret == "" {
		return fmt.Errorf("adapter.api_secret is required (set MM_API_SECRET)")
	}
	if c.Adapter.Execution.Symbol == "" {
		return fmt.Errorf("adapter.execution.symbol is required")
	}
	if c.Adapter.Streaming.Symbol == "" {
		return fmt.Errorf("adapter.streaming.symbol is required")
	}
	if c.Strategy.InstrumentName == "" {
		return fmt.Errorf("strategy.instrument_name is required")
	}
	tick, err := c.Strategy.TickSizeDecimal()
	if err != nil {
		return fmt.Errorf("strategy.tick_size: %w", err)
	}
	if tick.IsZero() {
		return fmt.Errorf("strategy.tick_size is required")
	}
	if _, err := c.Strategy.PositionalRetreat.PositionIncrementDecimal(); err != nil {
		return fmt.Errorf("strategy.positional_retreat.position_increment: %w", err)
	}
	if len(c.Strategy.Orders.Asks) == 0 && len(c.Strategy.Orders.Bids) == 0 {
		return fmt.Errorf("strategy.orders must configure at least one ask or bid level")
	}
	for _, lvl := range append(append([]OrderLevel{}, c.Strategy.Orders.Asks...), c.Strategy.Orders.Bids...) {
		if _, err := lvl.QuantityDecimal(); err != nil {
			return fmt.Errorf("strategy.orders: level %d quantity: %w", lvl.Level, err)
		}
	}
	return nil
}
