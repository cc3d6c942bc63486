package rpc

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// NodeConfig represents configuration for a single JSON-RPC relay
type NodeConfig struct {
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"` // Initial weight (1-100), higher is more preferred
	QPS      int    `mapstructure:"qps"`      // Request rate cap, 0 disables limiting
}

// Node wraps the underlying ethclient and provides health monitoring
type Node struct {
	config  NodeConfig
	client  EthClient
	limiter *rate.Limiter

	// Dynamic metrics (atomic operations)
	errorCount  uint64 // Consecutive error count
	totalErrors uint64 // Total error count
	latency     int64  // Average latency (ms)
	latestBlock uint64 // Latest block height observed by this node
}

// NewNode dials the relay. Use a ws:// or wss:// URL for subscriptions.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}

	return NewNodeWithClient(cfg, client), nil
}

// NewNodeWithClient initializes Node with a pre-created client (Testing/DI)
func NewNodeWithClient(cfg NodeConfig, client EthClient) *Node {
	n := &Node{
		config: cfg,
		client: client,
	}
	if cfg.QPS > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.QPS)
	}
	return n
}

// URL returns the node address
func (n *Node) URL() string {
	return n.config.URL
}

// Priority returns the configured weight
func (n *Node) Priority() int {
	return n.config.Priority
}

// Score calculates the real-time score of the node. Higher is better.
// Formula: (Priority * 100) - (Latency / 10) - (ConsecutiveErrors * 500)
// Points are also deducted if the node lags more than 5 blocks behind the best height.
func (n *Node) Score(globalMaxHeight uint64) int64 {
	score := int64(n.config.Priority) * 100

	score -= atomic.LoadInt64(&n.latency) / 10
	score -= int64(atomic.LoadUint64(&n.errorCount)) * 500

	myHeight := atomic.LoadUint64(&n.latestBlock)
	if globalMaxHeight > 0 && myHeight < globalMaxHeight {
		if lag := globalMaxHeight - myHeight; lag > 5 {
			score -= int64(lag) * 50
		}
	}

	return score
}

// RecordMetric records result of a call, updating latency and error count
func (n *Node) RecordMetric(start time.Time, err error) {
	duration := time.Since(start).Milliseconds()

	// moving average, new sample weighs 20%
	oldLatency := atomic.LoadInt64(&n.latency)
	if oldLatency == 0 {
		atomic.StoreInt64(&n.latency, duration)
	} else {
		atomic.StoreInt64(&n.latency, (oldLatency*8+duration*2)/10)
	}

	if err != nil {
		atomic.AddUint64(&n.errorCount, 1)
		atomic.AddUint64(&n.totalErrors, 1)
		return
	}
	if current := atomic.LoadUint64(&n.errorCount); current > 0 {
		atomic.StoreUint64(&n.errorCount, current-1)
	}
}

// UpdateHeight updates the latest block height for the node
func (n *Node) UpdateHeight(h uint64) {
	if h > atomic.LoadUint64(&n.latestBlock) {
		atomic.StoreUint64(&n.latestBlock, h)
	}
}

// GetErrorCount returns the current consecutive error count
func (n *Node) GetErrorCount() uint64 {
	return atomic.LoadUint64(&n.errorCount)
}

// GetTotalErrors returns the total error count
func (n *Node) GetTotalErrors() uint64 {
	return atomic.LoadUint64(&n.totalErrors)
}

// GetLatency returns the average latency in ms
func (n *Node) GetLatency() int64 {
	return atomic.LoadInt64(&n.latency)
}

// GetLatestBlock returns the latest block height observed by this node
func (n *Node) GetLatestBlock() uint64 {
	return atomic.LoadUint64(&n.latestBlock)
}

// wait blocks until the rate limiter admits one request.
func (n *Node) wait(ctx context.Context) error {
	if n.limiter == nil {
		return ctx.Err()
	}
	return n.limiter.Wait(ctx)
}

// Proxy Methods (implement Client interface)

func (n *Node) BlockNumber(ctx context.Context) (uint64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	h, err := n.client.BlockNumber(ctx)
	n.RecordMetric(start, err)
	if err == nil {
		n.UpdateHeight(h)
	}
	return h, err
}

func (n *Node) ChainID(ctx context.Context) (*big.Int, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	id, err := n.client.ChainID(ctx)
	n.RecordMetric(start, err)
	return id, err
}

func (n *Node) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	logs, err := n.client.FilterLogs(ctx, q)
	n.RecordMetric(start, err)
	return logs, err
}

func (n *Node) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	sub, err := n.client.SubscribeFilterLogs(ctx, q, ch)
	n.RecordMetric(start, err)
	return sub, err
}

func (n *Node) Close() {
	n.client.Close()
}
