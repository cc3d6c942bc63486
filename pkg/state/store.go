// Package state holds the reconstructed holding position of one tracked
// account together with the protocol-wide aggregates.
//
// The Store is mutated only through Apply. Apply serializes on a mutex and is
// idempotent: a log delivered by both the historical fetch and the live feed
// is counted once.
package state

import (
	"math/big"
	"sync"

	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/84hero/holding-mirror/pkg/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

// rewardScale is the fixed-point scale of reward amounts and reward-per-share.
const rewardScale = 8

var (
	rewardDivisor  = big.NewInt(100_000_000)
	penaltyDivisor = big.NewInt(9)
)

type stakeStatus uint8

const (
	stakeActive stakeStatus = iota + 1
	stakeWithdrawn
)

// Observer receives every applied event together with the state after it.
type Observer func(ev event.Event, snap Snapshot)

// Store is the single-writer aggregate built from contract events.
type Store struct {
	mu sync.Mutex

	account common.Address

	stakes    []*StakeRecord // tracked user's active stakes, in creation order
	lifecycle map[uint64]stakeStatus
	all       map[string]decimal.Decimal
	user      map[string]decimal.Decimal
	epoch     EpochState
	finalized map[uint64]struct{}
	rewards   RewardAccount
	seen      map[event.Key]struct{}
	applied   uint64

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// NewStore creates an empty store tracking account.
func NewStore(account common.Address) *Store {
	s := &Store{observers: make(map[int]Observer)}
	s.reset(account)
	return s
}

// Reset discards all state and starts tracking account. Observers are kept.
func (s *Store) Reset(account common.Address) {
	s.mu.Lock()
	s.reset(account)
	s.mu.Unlock()
}

func (s *Store) reset(account common.Address) {
	s.account = account
	s.stakes = nil
	s.lifecycle = make(map[uint64]stakeStatus)
	s.all = make(map[string]decimal.Decimal)
	s.user = make(map[string]decimal.Decimal)
	s.epoch = EpochState{TotalRewardForEpoch: new(big.Int)}
	s.finalized = make(map[uint64]struct{})
	s.rewards = RewardAccount{
		TotalProtocolRewardDistributed: decimal.Zero,
		UserAccruedShares:              new(big.Int),
		UserUnclaimedReward:            new(big.Int),
		UserClaimedReward:              decimal.Zero,
	}
	s.seen = make(map[event.Key]struct{})
	s.applied = 0
}

// Account returns the tracked account.
func (s *Store) Account() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Observe registers fn for applied events. The returned func removes it.
func (s *Store) Observe(fn Observer) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// Apply applies one event using tok for its token's symbol and decimals.
// It reports whether the state changed. Events that violate the stake
// lifecycle or were already applied are skipped with a warning.
func (s *Store) Apply(ev event.Event, tok token.Descriptor) bool {
	s.mu.Lock()
	changed := s.apply(ev, tok)
	var snap Snapshot
	if changed {
		s.applied++
		snap = s.snapshot()
	}
	s.mu.Unlock()

	if changed {
		s.notify(ev, snap)
	}
	return changed
}

func (s *Store) notify(ev event.Event, snap Snapshot) {
	s.obsMu.RLock()
	obs := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.obsMu.RUnlock()

	for _, fn := range obs {
		fn(ev, snap)
	}
}

func (s *Store) apply(ev event.Event, tok token.Descriptor) bool {
	key := ev.Key()
	if ev.HasBlockContext() {
		if _, dup := s.seen[key]; dup {
			log.Warn("Skipping duplicate event", "event", ev, "tx", ev.Meta.TxHash.Hex(), "index", ev.Meta.LogIndex)
			return false
		}
	}

	var changed bool
	switch ev.Kind {
	case event.Deposited:
		changed = s.applyDeposited(ev, tok)
	case event.Withdrawn:
		changed = s.applyWithdrawn(ev, tok)
	case event.EpochStarted:
		changed = s.applyEpochStarted(ev)
	case event.EpochFinalized:
		changed = s.applyEpochFinalized(ev)
	case event.RewardClaimed:
		changed = s.applyRewardClaimed(ev)
	default:
		log.Warn("Ignoring unknown event kind", "kind", ev.Kind)
	}

	if changed && ev.HasBlockContext() {
		s.seen[key] = struct{}{}
	}
	return changed
}

func (s *Store) isTracked(addr common.Address) bool {
	return s.account != (common.Address{}) && addr == s.account
}

func (s *Store) applyDeposited(ev event.Event, tok token.Descriptor) bool {
	if st, ok := s.lifecycle[ev.StakeID]; ok {
		log.Warn("Deposit for known stake ignored", "stake", ev.StakeID, "status", st)
		return false
	}
	s.lifecycle[ev.StakeID] = stakeActive

	amount := human(ev.Amount, tok.Decimals)
	addBalance(s.all, tok.Symbol, amount)

	if !s.isTracked(ev.User) {
		return true
	}
	addBalance(s.user, tok.Symbol, amount)

	rec := &StakeRecord{
		StakeID:      ev.StakeID,
		Owner:        ev.User,
		Token:        ev.Token,
		TokenSymbol:  tok.Symbol,
		Decimals:     tok.Decimals,
		AmountRaw:    cloneInt(ev.Amount),
		Amount:       amount,
		StartTime:    ev.StartTime,
		EndTime:      ev.EndTime,
		RewardShares: cloneInt(ev.RewardShares),
	}
	s.stakes = append(s.stakes, rec)
	s.rewards.UserAccruedShares.Add(s.rewards.UserAccruedShares, rec.RewardShares)
	return true
}

func (s *Store) applyWithdrawn(ev event.Event, tok token.Descriptor) bool {
	switch s.lifecycle[ev.StakeID] {
	case stakeWithdrawn:
		log.Warn("Withdrawal for already withdrawn stake ignored", "stake", ev.StakeID)
		return false
	case 0:
		log.Warn("Withdrawal for unknown stake, applying global effect", "stake", ev.StakeID)
	}
	s.lifecycle[ev.StakeID] = stakeWithdrawn

	unstake := orZero(ev.Amount)
	penalty := orZero(ev.Penalty)
	if ev.Early && !ev.IsNative() {
		penalty = PenaltyOverride(unstake)
	}
	total := human(new(big.Int).Add(unstake, penalty), tok.Decimals)

	subBalance(s.all, tok.Symbol, total)
	if ev.Early {
		s.rewards.TotalProtocolRewardDistributed = s.rewards.TotalProtocolRewardDistributed.Add(decimal.NewFromBigInt(penalty, -rewardScale))
	}

	if !s.isTracked(ev.User) {
		return true
	}
	subBalance(s.user, tok.Symbol, total)
	if rec := s.removeStake(ev.StakeID); rec != nil {
		s.rewards.UserAccruedShares.Sub(s.rewards.UserAccruedShares, rec.RewardShares)
		if s.rewards.UserAccruedShares.Sign() < 0 {
			s.rewards.UserAccruedShares.SetInt64(0)
		}
	}
	if ev.Early {
		s.rewards.UserUnclaimedReward.Add(s.rewards.UserUnclaimedReward, penalty)
	}
	return true
}

func (s *Store) removeStake(id uint64) *StakeRecord {
	for i, rec := range s.stakes {
		if rec.StakeID == id {
			s.stakes = append(s.stakes[:i], s.stakes[i+1:]...)
			return rec
		}
	}
	return nil
}

func (s *Store) applyEpochStarted(ev event.Event) bool {
	if ev.EndTime <= s.epoch.EndTime {
		log.Warn("Epoch start not adopted, end time does not advance", "epoch", ev.EpochID, "end", ev.EndTime, "current", s.epoch.EndTime)
		return false
	}
	s.epoch.ID = ev.EpochID
	s.epoch.StartTime = ev.StartTime
	s.epoch.EndTime = ev.EndTime
	return true
}

func (s *Store) applyEpochFinalized(ev event.Event) bool {
	if _, done := s.finalized[ev.EpochID]; done {
		log.Warn("Epoch already finalized", "epoch", ev.EpochID)
		return false
	}
	s.finalized[ev.EpochID] = struct{}{}

	// floor(rewardPerShare / 1e8 * shares), evaluated without an intermediate truncation
	accrued := new(big.Int).Mul(orZero(ev.RewardPerShare), s.rewards.UserAccruedShares)
	accrued.Quo(accrued, rewardDivisor)
	s.rewards.UserUnclaimedReward.Add(s.rewards.UserUnclaimedReward, accrued)

	total := orZero(ev.TotalReward)
	s.epoch.TotalRewardForEpoch = cloneInt(total)
	s.rewards.TotalProtocolRewardDistributed = s.rewards.TotalProtocolRewardDistributed.Add(decimal.NewFromBigInt(total, -rewardScale))
	return true
}

func (s *Store) applyRewardClaimed(ev event.Event) bool {
	if !s.isTracked(ev.User) {
		return false
	}
	claimed := orZero(ev.TotalReward)
	s.rewards.UserClaimedReward = s.rewards.UserClaimedReward.Add(decimal.NewFromBigInt(claimed, -rewardScale))
	s.rewards.UserUnclaimedReward.Sub(s.rewards.UserUnclaimedReward, claimed)
	return true
}

// PenaltyOverride is the penalty booked for early non-native withdrawals:
// floor(unstakeAmount / 9), i.e. 10% of the original principal.
// It replaces the penalty field the contract emits for these withdrawals.
func PenaltyOverride(unstakeAmount *big.Int) *big.Int {
	return new(big.Int).Quo(orZero(unstakeAmount), penaltyDivisor)
}

func human(raw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(orZero(raw), -decimals)
}

func addBalance(m map[string]decimal.Decimal, symbol string, delta decimal.Decimal) {
	v := m[symbol].Add(delta)
	if v.IsZero() {
		delete(m, symbol)
		return
	}
	m[symbol] = v
}

func subBalance(m map[string]decimal.Decimal, symbol string, delta decimal.Decimal) {
	addBalance(m, symbol, delta.Neg())
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	return new(big.Int).Set(orZero(v))
}
