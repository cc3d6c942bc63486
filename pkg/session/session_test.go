package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/84hero/holding-mirror/pkg/decoder"
	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/84hero/holding-mirror/pkg/metrics"
	"github.com/84hero/holding-mirror/pkg/mirror"
	"github.com/84hero/holding-mirror/pkg/state"
	"github.com/84hero/holding-mirror/pkg/subscription"
	"github.com/84hero/holding-mirror/pkg/token"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x0000000000000000000000000000000000001388")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	sauce    = common.HexToAddress("0x0000000000000000000000000000000000120f46")
)

const contractID = "0.0.5000"

type fakeMirror struct {
	mu       sync.Mutex
	history  []mirror.RawLog // newest first, like the mirror node
	fetchErr error
	gate     chan struct{} // FetchAllLogs blocks on it when set
	started  chan struct{} // closed when FetchAllLogs is entered
	accounts map[string]common.Address
	resolved int
}

func (m *fakeMirror) FetchAllLogs(ctx context.Context, _ string) ([]mirror.RawLog, error) {
	if m.started != nil {
		close(m.started)
		m.started = nil
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]mirror.RawLog(nil), m.history...), nil
}

func (m *fakeMirror) FetchLatestLogs(_ context.Context, _ string, _ int) ([]mirror.RawLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]mirror.RawLog(nil), m.history...), nil
}

func (m *fakeMirror) ResolveAccount(_ context.Context, id string) (*mirror.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved++
	addr, ok := m.accounts[id]
	if !ok {
		return nil, errors.New("status 404")
	}
	return &mirror.Account{ID: id, EVMAddress: addr.Hex()}, nil
}

type fakeSub struct {
	errc chan error
	once sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.errc }
func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }

type fakeFeed struct {
	mu  sync.Mutex
	err error
	ch  chan<- types.Log
}

func (f *fakeFeed) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.ch = ch
	return &fakeSub{errc: make(chan error, 1)}, nil
}

func (f *fakeFeed) push(l types.Log) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- l
}

type stubFeed map[string]float64

func (s stubFeed) Name() string { return "stub" }
func (s stubFeed) Prices(context.Context) (map[string]float64, error) {
	return s, nil
}

type stubLookup struct{}

func (stubLookup) LookupToken(context.Context, common.Address) (string, int32, error) {
	return "SAUCE", 6, nil
}

type fixture struct {
	t       *testing.T
	reg     *decoder.Registry
	mirror  *fakeMirror
	feed    *fakeFeed
	prices  *token.PriceBook
	metrics *metrics.Metrics
	session *Session
}

func newFixture(t *testing.T, withLive bool) *fixture {
	t.Helper()
	reg := decoder.NewRegistry()
	resolver, err := token.NewResolver(stubLookup{}, token.Native{Symbol: "HBAR", Decimals: 8}, 16)
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		reg:     reg,
		mirror:  &fakeMirror{accounts: map[string]common.Address{"0.0.1001": alice, "0.0.1002": bob}},
		feed:    &fakeFeed{},
		prices:  token.NewPriceBook(time.Hour, stubFeed{"HBAR": 0.05, "SAUCE": 0.0176}),
		metrics: metrics.New(),
	}
	deps := Deps{
		Mirror:   f.mirror,
		Registry: reg,
		Resolver: resolver,
		Prices:   f.prices,
		Metrics:  f.metrics,
	}
	if withLive {
		deps.Live = subscription.NewAdapter(f.feed, reg, contract, subscription.Config{})
	}
	f.session, err = New(Config{ContractID: contractID, QueueSize: 16}, deps)
	require.NoError(t, err)
	t.Cleanup(f.session.Close)
	return f
}

func (f *fixture) log(ev event.Event) types.Log {
	f.t.Helper()
	l, err := f.reg.Encode(ev)
	require.NoError(f.t, err)
	l.Address = contract
	return l
}

func (f *fixture) raw(ev event.Event) mirror.RawLog {
	l := f.log(ev)
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return mirror.RawLog{
		Address:         l.Address.Hex(),
		ContractID:      contractID,
		BlockNumber:     l.BlockNumber,
		Data:            hexutil.Encode(l.Data),
		Index:           l.Index,
		Topics:          topics,
		TransactionHash: l.TxHash.Hex(),
		Timestamp:       "1718030512.000000001",
	}
}

func meta(tx byte, index uint) event.Meta {
	return event.Meta{BlockNumber: uint64(tx), TxHash: common.BytesToHash([]byte{tx}), LogIndex: index}
}

func deposit(m event.Meta, user common.Address, id uint64, hbar int64) event.Event {
	return event.Event{
		Kind: event.Deposited, Meta: m, User: user, StakeID: id, Token: event.NativeToken,
		Amount: big.NewInt(hbar * 100_000_000), StartTime: 100, EndTime: 200, RewardShares: big.NewInt(10),
	}
}

func withdraw(m event.Meta, user common.Address, id uint64, hbar int64) event.Event {
	return event.Event{
		Kind: event.Withdrawn, Meta: m, User: user, StakeID: id, Token: event.NativeToken,
		Amount: big.NewInt(hbar * 100_000_000), Penalty: new(big.Int),
	}
}

func balance(m map[string]decimal.Decimal, sym string) string {
	return m[sym].String()
}

func TestStart_ReplaysOldestFirst(t *testing.T) {
	f := newFixture(t, false)
	f.mirror.history = []mirror.RawLog{
		f.raw(withdraw(meta(3, 0), alice, 1, 40)),
		f.raw(deposit(meta(2, 0), bob, 2, 5)),
		f.raw(deposit(meta(1, 0), alice, 1, 40)),
	}

	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))

	snap := f.session.Snapshot()
	assert.Equal(t, alice, snap.Account)
	assert.Empty(t, snap.Stakes, "withdrawal must follow its deposit")
	assert.Equal(t, "5", balance(snap.Balances.All, "HBAR"))
	assert.Equal(t, "0", balance(snap.Balances.User, "HBAR"))
	assert.Equal(t, uint64(3), snap.Applied)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.EventsApplied.WithLabelValues("Deposited")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveStakes))
}

func TestStart_SkipsUndecodableHistory(t *testing.T) {
	f := newFixture(t, false)
	bad := f.raw(deposit(meta(2, 0), alice, 2, 1))
	bad.Data = "0x1234"
	unknown := f.raw(deposit(meta(3, 0), alice, 3, 1))
	unknown.Topics[0] = common.HexToHash("0xfeed").Hex()
	f.mirror.history = []mirror.RawLog{unknown, bad, f.raw(deposit(meta(1, 0), alice, 1, 2))}

	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))

	snap := f.session.Snapshot()
	require.Len(t, snap.Stakes, 1)
	assert.Equal(t, uint64(1), snap.Stakes[0].StakeID)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.DecodeFailures.WithLabelValues("history")))
}

func TestStart_FetchFailureAppliesNothing(t *testing.T) {
	f := newFixture(t, true)
	f.mirror.history = []mirror.RawLog{f.raw(deposit(meta(1, 0), alice, 1, 2))}
	f.mirror.fetchErr = mirror.ErrFetchFailed

	err := f.session.Start(context.Background(), alice.Hex())
	assert.ErrorIs(t, err, mirror.ErrFetchFailed)
	assert.Zero(t, f.session.Snapshot().Applied)

	// a failed start leaves the session restartable
	f.mirror.fetchErr = nil
	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))
	assert.Len(t, f.session.Snapshot().Stakes, 1)
}

func TestStart_ResolvesAccountID(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.session.Start(context.Background(), "0.0.1001"))
	assert.Equal(t, alice, f.session.Store().Account())
	assert.Equal(t, 1, f.mirror.resolved)
}

func TestStart_AccountErrors(t *testing.T) {
	f := newFixture(t, false)
	err := f.session.Start(context.Background(), "0.0.404")
	assert.ErrorIs(t, err, ErrAccountResolution)

	err = f.session.Start(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrAccountResolution)
	assert.Equal(t, 1, f.mirror.resolved)
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))
	assert.ErrorIs(t, f.session.Start(context.Background(), alice.Hex()), ErrRunning)
}

func TestLive_AppliedAfterReplay(t *testing.T) {
	f := newFixture(t, true)
	f.mirror.history = []mirror.RawLog{f.raw(deposit(meta(1, 0), alice, 1, 40))}
	f.mirror.gate = make(chan struct{})
	started := make(chan struct{})
	f.mirror.started = started

	errc := make(chan error, 1)
	go func() { errc <- f.session.Start(context.Background(), alice.Hex()) }()

	<-started
	// arrives while the history is still being fetched
	f.feed.push(f.log(withdraw(meta(2, 0), alice, 1, 40)))
	time.Sleep(20 * time.Millisecond)
	close(f.mirror.gate)
	require.NoError(t, <-errc)

	assert.Eventually(t, func() bool {
		return f.session.Snapshot().Applied == 2
	}, time.Second, 5*time.Millisecond)
	snap := f.session.Snapshot()
	assert.Empty(t, snap.Stakes)
	assert.Equal(t, "0", balance(snap.Balances.All, "HBAR"))
}

func TestLive_DuplicateOfHistoryIgnored(t *testing.T) {
	f := newFixture(t, true)
	dep := deposit(meta(1, 0), alice, 1, 40)
	f.mirror.history = []mirror.RawLog{f.raw(dep)}
	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))

	f.feed.push(f.log(dep))
	f.feed.push(f.log(deposit(meta(2, 0), alice, 2, 1)))

	assert.Eventually(t, func() bool {
		return f.session.Snapshot().Applied == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "41", balance(f.session.Snapshot().Balances.User, "HBAR"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsSkipped.WithLabelValues("Deposited")))
}

func TestLive_Unavailable(t *testing.T) {
	f := newFixture(t, true)
	f.feed.err = errors.New("websocket not supported")
	f.mirror.history = []mirror.RawLog{f.raw(deposit(meta(1, 0), alice, 1, 3))}

	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))
	assert.Len(t, f.session.Snapshot().Stakes, 1)
}

func TestSwitchAccount_ResetsState(t *testing.T) {
	f := newFixture(t, true)
	f.mirror.history = []mirror.RawLog{
		f.raw(deposit(meta(2, 0), bob, 2, 7)),
		f.raw(deposit(meta(1, 0), alice, 1, 3)),
	}
	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))
	assert.Equal(t, "3", balance(f.session.Snapshot().Balances.User, "HBAR"))

	var seen []state.Snapshot
	var mu sync.Mutex
	cancel := f.session.Store().Observe(func(_ event.Event, snap state.Snapshot) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, f.session.SwitchAccount(context.Background(), "0.0.1002"))

	snap := f.session.Snapshot()
	assert.Equal(t, bob, snap.Account)
	require.Len(t, snap.Stakes, 1)
	assert.Equal(t, uint64(2), snap.Stakes[0].StakeID)
	assert.Equal(t, "7", balance(snap.Balances.User, "HBAR"))
	assert.Equal(t, "10", balance(snap.Balances.All, "HBAR"))
	assert.Equal(t, uint64(2), snap.Applied)

	mu.Lock()
	assert.Len(t, seen, 2, "observers survive the switch")
	mu.Unlock()

	// the new live feed is wired to the new account
	f.feed.push(f.log(deposit(meta(3, 0), bob, 3, 1)))
	assert.Eventually(t, func() bool {
		return len(f.session.Snapshot().Stakes) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSwitchAccount_UnresolvableClearsState(t *testing.T) {
	f := newFixture(t, true)
	f.mirror.history = []mirror.RawLog{f.raw(deposit(meta(1, 0), alice, 1, 40))}
	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))
	require.Len(t, f.session.Snapshot().Stakes, 1)

	err := f.session.SwitchAccount(context.Background(), "0.0.9999")
	assert.ErrorIs(t, err, ErrAccountResolution)

	snap := f.session.Snapshot()
	assert.Equal(t, common.Address{}, snap.Account)
	assert.Empty(t, snap.Stakes)
	assert.Empty(t, snap.Balances.User)
	assert.Empty(t, snap.Balances.All)
	assert.Equal(t, 0, snap.Rewards.UserAccruedShares.Sign())
	assert.Zero(t, snap.Applied)

	// the session is idle and can track an account again
	require.NoError(t, f.session.Start(context.Background(), "0.0.1001"))
	assert.Len(t, f.session.Snapshot().Stakes, 1)
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.session.Start(context.Background(), alice.Hex()))

	f.session.Close()
	f.session.Close()
	assert.ErrorIs(t, f.session.Start(context.Background(), alice.Hex()), ErrClosed)
	assert.ErrorIs(t, f.session.SwitchAccount(context.Background(), bob.Hex()), ErrClosed)
}

func TestClose_BeforeStart(t *testing.T) {
	f := newFixture(t, true)
	assert.NotPanics(t, f.session.Close)
}

func TestClose_AbortsReplay(t *testing.T) {
	f := newFixture(t, true)
	f.mirror.gate = make(chan struct{})
	started := make(chan struct{})
	f.mirror.started = started

	errc := make(chan error, 1)
	go func() { errc <- f.session.Start(context.Background(), alice.Hex()) }()
	<-started

	done := make(chan struct{})
	go func() {
		f.session.Close()
		close(done)
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("replay was not aborted")
	}
	<-done
}

func TestRecentDeposits(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.prices.Refresh(context.Background()))

	sauceDep := event.Event{
		Kind: event.Deposited, Meta: meta(4, 0), User: bob, StakeID: 4, Token: sauce,
		Amount: big.NewInt(2_500_000), RewardShares: big.NewInt(1),
	}
	f.mirror.history = []mirror.RawLog{
		f.raw(sauceDep),
		f.raw(withdraw(meta(3, 0), alice, 1, 40)),
		f.raw(deposit(meta(2, 0), bob, 2, 5)),
		f.raw(deposit(meta(1, 0), alice, 1, 40)),
	}

	got, err := f.session.RecentDeposits(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, uint64(4), got[0].Event.StakeID)
	assert.Equal(t, "SAUCE", got[0].Token.Symbol)
	assert.Equal(t, "2.5", got[0].Amount.String())
	assert.InDelta(t, 0.044, got[0].USDValue, 1e-9)

	assert.Equal(t, uint64(2), got[1].Event.StakeID)
	assert.Equal(t, "5", got[1].Amount.String())
	assert.InDelta(t, 0.25, got[1].USDValue, 1e-9)
	assert.Equal(t, "1718030512.000000001", got[1].Event.Meta.Timestamp)

	// the store is untouched
	assert.Zero(t, f.session.Snapshot().Applied)
}

func TestRecentDeposits_FetchError(t *testing.T) {
	f := newFixture(t, false)
	f.mirror.fetchErr = mirror.ErrFetchFailed
	_, err := f.session.RecentDeposits(context.Background(), 0)
	assert.ErrorIs(t, err, mirror.ErrFetchFailed)
}

func TestEstimateShares(t *testing.T) {
	f := newFixture(t, false)

	// unpriced until the first refresh
	est := f.session.EstimateShares(context.Background(), event.NativeToken, big.NewInt(10_000_000_000), 14_515_200, nil)
	assert.False(t, est.Token.Priced)
	assert.Equal(t, 0, est.Shares.Sign())

	require.NoError(t, f.prices.Refresh(context.Background()))

	est = f.session.EstimateShares(context.Background(), event.NativeToken, big.NewInt(10_000_000_000), 14_515_200, nil)
	assert.Equal(t, big.NewInt(7257), est.Shares)
	assert.InDelta(t, 5.0, est.USDValue, 1e-9)
	assert.Zero(t, est.BoostPercent)

	est = f.session.EstimateShares(context.Background(), event.NativeToken, big.NewInt(10_000_000_000), 14_515_200, big.NewInt(800_000_000))
	assert.Equal(t, big.NewInt(7474), est.Shares)
	assert.Equal(t, int64(3), est.BoostPercent)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
	_, err = New(Config{ContractID: contractID}, Deps{})
	assert.Error(t, err)
}
