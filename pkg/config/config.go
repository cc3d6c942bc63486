package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/84hero/holding-mirror/pkg/chain"
	"github.com/84hero/holding-mirror/pkg/mirror"
	"github.com/84hero/holding-mirror/pkg/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Project        string           `mapstructure:"project"`
	Log            LogConfig        `mapstructure:"log"`
	Network        NetworkConfig    `mapstructure:"network"`
	Account        string           `mapstructure:"account"` // "0.0.x" or EVM address
	Replay         ReplayConfig     `mapstructure:"replay"`
	Live           LiveConfig       `mapstructure:"live"`
	RPC            []rpc.NodeConfig `mapstructure:"rpc_nodes"`
	Prices         PricesConfig     `mapstructure:"prices"`
	Tokens         []TokenConfig    `mapstructure:"tokens"`
	TokenCacheSize int              `mapstructure:"token_cache_size"`
	Metrics        MetricsConfig    `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type NetworkConfig struct {
	Preset          string `mapstructure:"preset"` // fills the blank fields below
	MirrorNodeURL   string `mapstructure:"mirror_node_url"`
	JSONRPCURL      string `mapstructure:"json_rpc_url"`
	WebSocketURL    string `mapstructure:"websocket_url"`
	ContractID      string `mapstructure:"contract_id"`      // "0.0.x"
	ContractAddress string `mapstructure:"contract_address"` // derived from ContractID when empty
	ChainID         uint64 `mapstructure:"chain_id"`
	NativeSymbol    string `mapstructure:"native_symbol"`
	NativeDecimals  int32  `mapstructure:"native_decimals"`
}

type ReplayConfig struct {
	PageSize  int           `mapstructure:"page_size"`
	PageDelay time.Duration `mapstructure:"page_delay"`
	QueueSize int           `mapstructure:"queue_size"` // live events buffered during replay
}

type LiveConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Buffer     int           `mapstructure:"buffer"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

type PricesConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	MaxAge           time.Duration `mapstructure:"max_age"`
	HermesURL        string        `mapstructure:"hermes_url"`
	NativePriceID    string        `mapstructure:"native_price_id"`
	SaucerSwapURL    string        `mapstructure:"saucerswap_url"`
	SaucerSwapAPIKey string        `mapstructure:"saucerswap_api_key"`
}

// TokenConfig allowlists a token for price lookups.
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HOLDING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyPreset(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyPreset() error {
	if c.Network.Preset == "" {
		return nil
	}
	p, ok := chain.Get(c.Network.Preset)
	if !ok {
		return fmt.Errorf("unknown network preset %q (known: %s)", c.Network.Preset, strings.Join(chain.Names(), ", "))
	}
	n := &c.Network
	if n.MirrorNodeURL == "" {
		n.MirrorNodeURL = p.MirrorNodeURL
	}
	if n.JSONRPCURL == "" {
		n.JSONRPCURL = p.JSONRPCURL
	}
	if n.WebSocketURL == "" {
		n.WebSocketURL = p.WebSocketURL
	}
	if n.ChainID == 0 {
		n.ChainID = p.ChainID
	}
	if n.NativeSymbol == "" {
		n.NativeSymbol = p.NativeSymbol
		n.NativeDecimals = p.NativeDecimals
	}
	if c.Prices.HermesURL == "" {
		c.Prices.HermesURL = p.HermesURL
	}
	if c.Prices.NativePriceID == "" {
		c.Prices.NativePriceID = p.NativePriceID
	}
	if c.Prices.SaucerSwapURL == "" {
		c.Prices.SaucerSwapURL = p.SaucerSwapURL
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Network.NativeSymbol == "" {
		c.Network.NativeSymbol = "HBAR"
		c.Network.NativeDecimals = 8
	}
	if c.Replay.PageSize == 0 {
		c.Replay.PageSize = 500
	}
	if c.Replay.PageDelay == 0 {
		c.Replay.PageDelay = 500 * time.Millisecond
	}
	if c.Replay.QueueSize == 0 {
		c.Replay.QueueSize = 1024
	}
	if c.Live.Buffer == 0 {
		c.Live.Buffer = 128
	}
	if c.Live.MaxBackoff == 0 {
		c.Live.MaxBackoff = 30 * time.Second
	}
	if c.Prices.Interval == 0 {
		c.Prices.Interval = 60 * time.Second
	}
	if c.Prices.MaxAge == 0 {
		c.Prices.MaxAge = 60 * time.Second
	}
	if c.TokenCacheSize == 0 {
		c.TokenCacheSize = 256
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	// the streaming endpoint doubles as the default node
	if len(c.RPC) == 0 && c.Network.WebSocketURL != "" {
		c.RPC = []rpc.NodeConfig{{URL: c.Network.WebSocketURL, Priority: 1}}
	}

	n := &c.Network
	if n.ContractAddress == "" && n.ContractID != "" {
		if addr, err := mirror.EntityAddress(n.ContractID); err == nil {
			n.ContractAddress = addr.Hex()
		}
	}
	if n.ContractID == "" && common.IsHexAddress(n.ContractAddress) {
		n.ContractID = mirror.EntityID(common.HexToAddress(n.ContractAddress))
	}
}

// Validate reports the first missing or malformed required setting.
func (c *Config) Validate() error {
	if c.Network.MirrorNodeURL == "" {
		return errors.New("network.mirror_node_url is required (or set network.preset)")
	}
	if c.Network.ContractID == "" {
		return errors.New("network.contract_id or network.contract_address is required")
	}
	if !mirror.IsEntityID(c.Network.ContractID) {
		return fmt.Errorf("network.contract_id %q is not an entity id", c.Network.ContractID)
	}
	if !common.IsHexAddress(c.Network.ContractAddress) {
		return fmt.Errorf("network.contract_address %q is not an address", c.Network.ContractAddress)
	}
	if c.Live.Enabled && len(c.RPC) == 0 {
		return errors.New("live.enabled requires rpc_nodes or network.websocket_url")
	}
	for i, t := range c.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("tokens[%d]: symbol is required", i)
		}
	}
	return nil
}

// Contract returns the holding contract address.
func (c *Config) Contract() common.Address {
	return common.HexToAddress(c.Network.ContractAddress)
}

// TokenSymbols lists the allowlisted symbols.
func (c *Config) TokenSymbols() []string {
	out := make([]string, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		out = append(out, strings.ToUpper(t.Symbol))
	}
	return out
}
