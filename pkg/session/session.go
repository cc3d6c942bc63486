// Package session runs one reconciliation of the holding contract for a
// tracked account: historical replay from the mirror node, then the live feed,
// both funneled into the store through a single worker.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/84hero/holding-mirror/pkg/decoder"
	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/84hero/holding-mirror/pkg/metrics"
	"github.com/84hero/holding-mirror/pkg/mirror"
	"github.com/84hero/holding-mirror/pkg/state"
	"github.com/84hero/holding-mirror/pkg/subscription"
	"github.com/84hero/holding-mirror/pkg/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("session closed")
	// ErrRunning is returned by Start while a reconciliation is active.
	ErrRunning = errors.New("session already running")
	// ErrAccountResolution is returned when the tracked account cannot be resolved.
	ErrAccountResolution = errors.New("account resolution failed")
)

// Mirror is the part of mirror.Client a session reads history from.
type Mirror interface {
	FetchAllLogs(ctx context.Context, contractID string) ([]mirror.RawLog, error)
	FetchLatestLogs(ctx context.Context, contractID string, limit int) ([]mirror.RawLog, error)
	ResolveAccount(ctx context.Context, id string) (*mirror.Account, error)
}

// Live is the streaming side; *subscription.Adapter implements it.
type Live interface {
	Subscribe(ctx context.Context, h subscription.Handler) (*subscription.Subscription, error)
}

// Config holds configuration for a session.
type Config struct {
	ContractID string `mapstructure:"contract_id"`
	QueueSize  int    `mapstructure:"queue_size"`
}

// Deps are the collaborators of a session. Live and Metrics may be nil.
type Deps struct {
	Mirror   Mirror
	Live     Live
	Registry *decoder.Registry
	Resolver *token.Resolver
	Prices   *token.PriceBook
	Metrics  *metrics.Metrics
}

// Session owns the store of one tracked account at a time.
type Session struct {
	cfg   Config
	deps  Deps
	store *state.Store

	mu      sync.Mutex // serializes Start, SwitchAccount and Close
	running bool
	closed  bool
	sub     *subscription.Subscription
	wg      sync.WaitGroup

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	closeOnce sync.Once
}

// New creates an idle session.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.ContractID == "" {
		return nil, errors.New("contract id is required")
	}
	if deps.Mirror == nil || deps.Registry == nil || deps.Resolver == nil || deps.Prices == nil {
		return nil, errors.New("mirror, registry, resolver and price book are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Session{
		cfg:   cfg,
		deps:  deps,
		store: state.NewStore(common.Address{}),
	}, nil
}

// Store returns the session's store, mainly to register observers.
func (s *Session) Store() *state.Store {
	return s.store
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() state.Snapshot {
	return s.store.Snapshot()
}

// Start resolves account, replays the contract history oldest first and then
// keeps applying live events until Close or SwitchAccount. Live events that
// arrive during the replay are queued and applied after it. ctx bounds the
// whole run, not only the replay.
func (s *Session) Start(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.running {
		return ErrRunning
	}
	return s.start(ctx, account)
}

// SwitchAccount tears down the current reconciliation, resets the store and
// starts again for account. No state of the previous account survives.
func (s *Session) SwitchAccount(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev := s.store.Account()
	s.stop()
	// nothing of prev may remain visible, even if account cannot be resolved
	s.store.Reset(common.Address{})
	log.Info("Switching tracked account", "from", prev.Hex(), "to", account)
	return s.start(ctx, account)
}

// Close stops every goroutine of the session. It is safe to call more than
// once and after a failed Start.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		// abort a replay in progress before waiting for the lifecycle lock
		s.abort()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.stop()
		log.Info("Session closed", "account", s.store.Account().Hex())
	})
}

func (s *Session) start(ctx context.Context, account string) error {
	addr, err := s.resolveAccount(ctx, account)
	if err != nil {
		return err
	}
	s.store.Reset(addr)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deps.Prices.Run(runCtx)
	}()

	queue := make(chan event.Event, s.cfg.QueueSize)
	if s.deps.Live != nil {
		sub, err := s.deps.Live.Subscribe(runCtx, func(ctx context.Context, ev event.Event) {
			select {
			case queue <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			log.Warn("Live feed unavailable, continuing with history only", "err", err)
		} else {
			s.sub = sub
		}
	}

	log.Info("Session started", "account", addr.Hex(), "contract", s.cfg.ContractID, "live", s.sub != nil)

	if _, err := s.replay(runCtx); err != nil {
		s.stop()
		return err
	}

	s.wg.Add(1)
	go s.drain(runCtx, queue)
	return nil
}

// stop cancels the active run and waits for its goroutines. Callers hold mu.
func (s *Session) stop() {
	s.abort()
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.wg.Wait()
	s.running = false
}

func (s *Session) abort() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) resolveAccount(ctx context.Context, account string) (common.Address, error) {
	if common.IsHexAddress(account) {
		return common.HexToAddress(account), nil
	}
	if !mirror.IsEntityID(account) {
		return common.Address{}, fmt.Errorf("%w: %q is neither an account id nor an evm address", ErrAccountResolution, account)
	}
	acc, err := s.deps.Mirror.ResolveAccount(ctx, account)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrAccountResolution, err)
	}
	return acc.Address(), nil
}

// replay fetches the full log history and applies it oldest first. It returns
// the number of events that changed the store. A failed fetch applies nothing.
func (s *Session) replay(ctx context.Context) (int, error) {
	began := time.Now()
	raws, err := s.deps.Mirror.FetchAllLogs(ctx, s.cfg.ContractID)
	if err != nil {
		return 0, fmt.Errorf("replay history: %w", err)
	}

	events := s.decodeAll(raws)
	// the mirror serves newest first
	slices.Reverse(events)

	applied := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		if s.processEvent(ctx, ev) {
			applied++
		}
	}
	s.deps.Metrics.ObserveReplay(time.Since(began).Seconds())
	log.Info("History replayed", "logs", len(raws), "events", len(events), "applied", applied, "elapsed", time.Since(began))
	return applied, nil
}

func (s *Session) decodeAll(raws []mirror.RawLog) []event.Event {
	events := make([]event.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := s.decode(raw)
		if err != nil {
			log.Warn("Skipping undecodable history log", "tx", raw.TransactionHash, "index", raw.Index, "err", err)
			s.deps.Metrics.DecodeFailure("history")
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (s *Session) decode(raw mirror.RawLog) (event.Event, error) {
	l, err := raw.ToLog()
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", decoder.ErrDecodeFailed, err)
	}
	ev, err := s.deps.Registry.Decode(l)
	if err != nil {
		return event.Event{}, err
	}
	ev.Meta.Timestamp = raw.Timestamp
	return ev, nil
}

func (s *Session) drain(ctx context.Context, queue <-chan event.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			s.processEvent(ctx, ev)
		}
	}
}

// processEvent is the only path that mutates the store. The replay and the
// drain worker never run at the same time.
func (s *Session) processEvent(ctx context.Context, ev event.Event) bool {
	var tok token.Descriptor
	if ev.Kind == event.Deposited || ev.Kind == event.Withdrawn {
		tok = s.deps.Prices.Describe(ctx, s.deps.Resolver, ev.Token)
	}
	changed := s.store.Apply(ev, tok)
	s.deps.Metrics.Event(string(ev.Kind), changed)
	if changed && (ev.Kind == event.Deposited || ev.Kind == event.Withdrawn) {
		s.deps.Metrics.SetActiveStakes(len(s.store.Snapshot().Stakes))
	}
	return changed
}
