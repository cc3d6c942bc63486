package chain

import (
	"sync"
)

// Preset holds the public endpoints and native asset of a Hedera network.
type Preset struct {
	ChainID        uint64
	MirrorNodeURL  string
	JSONRPCURL     string
	WebSocketURL   string // streaming endpoint for log subscriptions
	NativeSymbol   string
	NativeDecimals int32
	NativePriceID  string // Pyth feed id of the native asset in USD
	HermesURL      string
	SaucerSwapURL  string
}

// HBARUSDPriceID is the Pyth HBAR/USD feed.
const HBARUSDPriceID = "0x3728e591097635310e6341af53db8b7ee42da9b3a8d918f9463ce9cca886dfbd"


var (
	registry = make(map[string]Preset)
	mu       sync.RWMutex
)

// Register adds a new network preset to the global registry.
func Register(name string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = p
}

// Get retrieves a preset configuration from the registry by its name.
func Get(name string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Names lists the registered presets.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// Built-in presets
func init() {
	Register("hedera-mainnet", Preset{
		ChainID:        295,
		MirrorNodeURL:  "https://mainnet-public.mirrornode.hedera.com",
		JSONRPCURL:     "https://mainnet.hashio.io/api",
		WebSocketURL:   "wss://mainnet.hashio.io/ws",
		NativeSymbol:   "HBAR",
		NativeDecimals: 8,
		NativePriceID:  HBARUSDPriceID,
		HermesURL:      "https://hermes.pyth.network",
		SaucerSwapURL:  "https://api.saucerswap.finance",
	})

	Register("hedera-testnet", Preset{
		ChainID:        296,
		MirrorNodeURL:  "https://testnet.mirrornode.hedera.com",
		JSONRPCURL:     "https://testnet.hashio.io/api",
		WebSocketURL:   "wss://testnet.hashio.io/ws",
		NativeSymbol:   "HBAR",
		NativeDecimals: 8,
		NativePriceID:  HBARUSDPriceID,
		HermesURL:      "https://hermes.pyth.network",
		// SaucerSwap serves testnet token lists from the mainnet API
		SaucerSwapURL: "https://api.saucerswap.finance",
	})

	Register("hedera-previewnet", Preset{
		ChainID:        297,
		MirrorNodeURL:  "https://previewnet.mirrornode.hedera.com",
		JSONRPCURL:     "https://previewnet.hashio.io/api",
		WebSocketURL:   "wss://previewnet.hashio.io/ws",
		NativeSymbol:   "HBAR",
		NativeDecimals: 8,
		NativePriceID:  HBARUSDPriceID,
		HermesURL:      "https://hermes.pyth.network",
	})
}
