package rpc

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestNewNode(t *testing.T) {
	ctx := context.Background()
	// Fails to dial invalid URL
	_, err := NewNode(ctx, NodeConfig{URL: "invalid", Priority: 10})
	assert.Error(t, err)
}

func TestNode_ProxyMethods(t *testing.T) {
	ctx := context.Background()
	mockEth := new(MockEthClient)
	node := NewNodeWithClient(NodeConfig{URL: "test", Priority: 10}, mockEth)

	// 1. BlockNumber
	mockEth.On("BlockNumber", ctx).Return(uint64(100), nil).Once()
	h, err := node.BlockNumber(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(100), h)
	assert.Equal(t, uint64(100), node.GetLatestBlock())

	// 2. ChainID
	mockEth.On("ChainID", ctx).Return(big.NewInt(296), nil).Once()
	id, err := node.ChainID(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(296), id.Int64())

	// 3. FilterLogs
	mockEth.On("FilterLogs", ctx, ethereum.FilterQuery{}).Return([]types.Log{}, nil).Once()
	_, err = node.FilterLogs(ctx, ethereum.FilterQuery{})
	assert.NoError(t, err)

	// 4. SubscribeFilterLogs
	ch := make(chan types.Log)
	mockEth.On("SubscribeFilterLogs", ctx, ethereum.FilterQuery{}, mock.Anything).Return(newFakeSub(), nil).Once()
	sub, err := node.SubscribeFilterLogs(ctx, ethereum.FilterQuery{}, ch)
	assert.NoError(t, err)
	assert.NotNil(t, sub)

	// 5. Close
	mockEth.On("Close").Once()
	node.Close()
	mockEth.AssertExpectations(t)
}

func TestNode_RateLimit(t *testing.T) {
	ctx := context.Background()
	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(1), nil)

	// 10 QPS with a burst of 10: calls 11-15 wait ~500ms in total
	node := NewNodeWithClient(NodeConfig{URL: "test", Priority: 10, QPS: 10}, mockEth)

	start := time.Now()
	for i := 0; i < 15; i++ {
		_, err := node.BlockNumber(ctx)
		assert.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestNode_RateLimitRespectsContext(t *testing.T) {
	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(1), nil)
	node := NewNodeWithClient(NodeConfig{URL: "test", QPS: 1}, mockEth)

	_, err := node.BlockNumber(context.Background())
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = node.BlockNumber(ctx)
	assert.Error(t, err)
	mockEth.AssertNumberOfCalls(t, "BlockNumber", 1)
}
