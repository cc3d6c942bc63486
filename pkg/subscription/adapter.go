// Package subscription turns the streaming contract-log feed into typed events.
//
// Every delivered log goes through the same decoder.Registry used for the
// historical replay, so live and historical events take one path into the store.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/84hero/holding-mirror/pkg/decoder"
	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// LogSubscriber is the part of rpc.Client the adapter needs.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Handler receives decoded events in delivery order, one at a time.
// ctx is canceled when the subscription ends.
type Handler func(ctx context.Context, ev event.Event)

// Config holds configuration for the adapter.
type Config struct {
	Buffer     int           // capacity of the raw log channel
	MaxBackoff time.Duration // upper bound between resubscribe attempts
}

// Adapter subscribes to the holding contract's logs.
type Adapter struct {
	client   LogSubscriber
	registry *decoder.Registry
	filter   *Filter
	cfg      Config

	// OnDecodeError is called for every delivered log that fails to decode.
	OnDecodeError func(l types.Log, err error)
}

// NewAdapter creates an adapter for the five holding events of contract.
func NewAdapter(client LogSubscriber, registry *decoder.Registry, contract common.Address, cfg Config) *Adapter {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	f := NewFilter().AddContract(contract).SetTopic(0, registry.Topics()...)
	return &Adapter{client: client, registry: registry, filter: f, cfg: cfg}
}

// Filter returns the filter the adapter subscribes with.
func (a *Adapter) Filter() *Filter {
	return a.filter
}

// Subscribe opens the feed and starts delivering events to h. The first
// subscription attempt is synchronous so configuration errors surface here;
// later connection drops are retried with backoff. Logs emitted while the
// connection was down are not recovered.
func (a *Adapter) Subscribe(ctx context.Context, h Handler) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	logs := make(chan types.Log, a.cfg.Buffer)
	q := a.filter.ToQuery()

	first, err := a.client.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to contract logs: %w", err)
	}

	initial := true
	feed := gethevent.ResubscribeErr(a.cfg.MaxBackoff, func(rctx context.Context, prev error) (gethevent.Subscription, error) {
		if initial {
			initial = false
			return first, nil
		}
		log.Warn("Live feed dropped, resubscribing", "err", prev)
		return a.client.SubscribeFilterLogs(rctx, q, logs)
	})

	s := &Subscription{
		cancel: cancel,
		feed:   feed,
		done:   make(chan struct{}),
	}
	go a.loop(ctx, s, logs, h)
	return s, nil
}

func (a *Adapter) loop(ctx context.Context, s *Subscription, logs <-chan types.Log, h Handler) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.feed.Err():
			return
		case l := <-logs:
			if l.Removed {
				log.Warn("Ignoring removed log", "tx", l.TxHash.Hex(), "index", l.Index)
				continue
			}
			if !a.filter.Matches(l) {
				continue
			}
			ev, err := a.registry.Decode(l)
			if err != nil {
				log.Warn("Skipping undecodable live log", "tx", l.TxHash.Hex(), "index", l.Index, "err", err)
				if a.OnDecodeError != nil {
					a.OnDecodeError(l, err)
				}
				continue
			}
			h(ctx, ev)
		}
	}
}

// Subscription is the handle of a running feed.
type Subscription struct {
	cancel context.CancelFunc
	feed   gethevent.Subscription
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe stops delivery and waits for the in-flight handler to return.
// It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.feed.Unsubscribe()
		<-s.done
	})
}

// Done is closed once no more events will be delivered.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
