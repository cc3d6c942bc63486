package rpc

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Error definitions
var (
	ErrNoAvailableNodes = errors.New("no available rpc nodes")
)

// MultiClient manages multiple relays, providing failover
type MultiClient struct {
	nodes        []*Node
	globalHeight uint64

	mu sync.RWMutex
}

// NewClient dials every relay and keeps the ones that answered.
func NewClient(ctx context.Context, configs []NodeConfig) (*MultiClient, error) {
	if len(configs) == 0 {
		return nil, errors.New("no rpc configs provided")
	}

	nodes := make([]*Node, 0, len(configs))
	for _, cfg := range configs {
		n, err := NewNode(ctx, cfg)
		if err != nil {
			log.Warn("RPC node unreachable, skipping", "url", cfg.URL, "err", err)
			continue
		}
		nodes = append(nodes, n)
	}

	return NewClientWithNodes(ctx, nodes)
}

// NewClientWithNodes initializes MultiClient with existing nodes (for testing or advanced usage)
func NewClientWithNodes(ctx context.Context, nodes []*Node) (*MultiClient, error) {
	if len(nodes) == 0 {
		return nil, errors.New("failed to connect to any rpc node")
	}

	mc := &MultiClient{
		nodes: nodes,
	}

	// refresh heights and scores every 5 seconds
	go mc.startBackgroundSync(ctx)

	return mc, nil
}

func (mc *MultiClient) startBackgroundSync(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	mc.syncNodes(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.syncNodes(ctx)
		}
	}
}

func (mc *MultiClient) syncNodes(ctx context.Context) {
	var maxH uint64
	var wg sync.WaitGroup

	for _, n := range mc.nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			h, err := node.BlockNumber(ctx)
			if err != nil {
				return
			}
			for {
				cur := atomic.LoadUint64(&maxH)
				if h <= cur || atomic.CompareAndSwapUint64(&maxH, cur, h) {
					return
				}
			}
		}(n)
	}
	wg.Wait()

	if maxH > 0 {
		atomic.StoreUint64(&mc.globalHeight, maxH)
	}
}

// ranked returns the nodes ordered by score, best first.
func (mc *MultiClient) ranked() []*Node {
	mc.mu.RLock()
	candidates := make([]*Node, len(mc.nodes))
	copy(candidates, mc.nodes)
	mc.mu.RUnlock()

	globalH := atomic.LoadUint64(&mc.globalHeight)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score(globalH) > candidates[j].Score(globalH)
	})
	return candidates
}

// execute runs op against the best nodes in turn, at most 3 attempts.
func (mc *MultiClient) execute(ctx context.Context, op func(*Node) error) error {
	candidates := mc.ranked()
	if len(candidates) == 0 {
		return ErrNoAvailableNodes
	}
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	var lastErr error
	for _, node := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(node)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		log.Debug("RPC call failed, trying next node", "url", node.URL(), "err", err)
	}

	return lastErr
}

// ChainID retrieves the chain ID from the best available node
func (mc *MultiClient) ChainID(ctx context.Context) (*big.Int, error) {
	var res *big.Int
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.ChainID(ctx)
		return e
	})
	return res, err
}

// BlockNumber returns the cached best height, or asks a node before the first sync.
func (mc *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	if h := atomic.LoadUint64(&mc.globalHeight); h > 0 {
		return h, nil
	}
	var res uint64
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.BlockNumber(ctx)
		return e
	})
	return res, err
}

// FilterLogs retrieves logs from the best available node based on the query
func (mc *MultiClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var res []types.Log
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.FilterLogs(ctx, q)
		return e
	})
	return res, err
}

// SubscribeFilterLogs opens the subscription on the best node that accepts it.
func (mc *MultiClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	var res ethereum.Subscription
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.SubscribeFilterLogs(ctx, q, ch)
		if e == nil {
			log.Info("Subscribed to contract logs", "url", n.URL())
		}
		return e
	})
	return res, err
}

// Close closes all underlying RPC connections
func (mc *MultiClient) Close() {
	for _, n := range mc.nodes {
		n.Close()
	}
}
