package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	// 1. Test Built-in
	p, ok := Get("hedera-testnet")
	assert.True(t, ok)
	assert.Equal(t, uint64(296), p.ChainID)
	assert.Equal(t, "HBAR", p.NativeSymbol)
	assert.Equal(t, int32(8), p.NativeDecimals)
	assert.Equal(t, "https://testnet.mirrornode.hedera.com", p.MirrorNodeURL)

	main, ok := Get("hedera-mainnet")
	assert.True(t, ok)
	assert.Equal(t, uint64(295), main.ChainID)

	// 2. Test Custom Register
	Register("local-node", Preset{
		ChainID:       298,
		MirrorNodeURL: "http://localhost:5551",
	})

	p2, ok := Get("local-node")
	assert.True(t, ok)
	assert.Equal(t, uint64(298), p2.ChainID)
	assert.Contains(t, Names(), "local-node")
	assert.Contains(t, Names(), "hedera-previewnet")

	// 3. Test Unknown
	_, ok = Get("eth-mainnet")
	assert.False(t, ok)
}
