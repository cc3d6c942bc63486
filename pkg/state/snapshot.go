package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// StakeRecord is one active deposit of the tracked account.
type StakeRecord struct {
	StakeID      uint64          `json:"stake_id"`
	Owner        common.Address  `json:"owner"`
	Token        common.Address  `json:"token"`
	TokenSymbol  string          `json:"token_symbol"`
	Decimals     int32           `json:"decimals"`
	AmountRaw    *big.Int        `json:"amount_raw"`
	Amount       decimal.Decimal `json:"amount"`
	StartTime    uint64          `json:"start_time"`
	EndTime      uint64          `json:"end_time"`
	RewardShares *big.Int        `json:"reward_shares"`
}

// EpochState is the epoch with the latest end time seen so far.
type EpochState struct {
	ID                  uint64   `json:"id"`
	StartTime           uint64   `json:"start_time"`
	EndTime             uint64   `json:"end_time"`
	TotalRewardForEpoch *big.Int `json:"total_reward_for_epoch"`
}

// RewardAccount aggregates reward accounting. Raw amounts use the
// contract's 1e8 scale; the decimal fields are already divided by 1e8.
type RewardAccount struct {
	TotalProtocolRewardDistributed decimal.Decimal `json:"total_protocol_reward_distributed"`
	UserAccruedShares              *big.Int        `json:"user_accrued_shares"`
	UserUnclaimedReward            *big.Int        `json:"user_unclaimed_reward"`
	UserClaimedReward              decimal.Decimal `json:"user_claimed_reward"`
}

// Balances are running token totals in human units keyed by symbol.
type Balances struct {
	All  map[string]decimal.Decimal `json:"all"`
	User map[string]decimal.Decimal `json:"user"`
}

// Snapshot is an immutable copy of the store. Mutating it does not affect the store.
type Snapshot struct {
	Account  common.Address `json:"account"`
	Stakes   []StakeRecord  `json:"stakes"`
	Balances Balances       `json:"balances"`
	Epoch    EpochState     `json:"epoch"`
	Rewards  RewardAccount  `json:"rewards"`
	Applied  uint64         `json:"applied"`
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Store) snapshot() Snapshot {
	snap := Snapshot{
		Account: s.account,
		Stakes:  make([]StakeRecord, 0, len(s.stakes)),
		Balances: Balances{
			All:  copyBalances(s.all),
			User: copyBalances(s.user),
		},
		Epoch: EpochState{
			ID:                  s.epoch.ID,
			StartTime:           s.epoch.StartTime,
			EndTime:             s.epoch.EndTime,
			TotalRewardForEpoch: cloneInt(s.epoch.TotalRewardForEpoch),
		},
		Rewards: RewardAccount{
			TotalProtocolRewardDistributed: s.rewards.TotalProtocolRewardDistributed,
			UserAccruedShares:              cloneInt(s.rewards.UserAccruedShares),
			UserUnclaimedReward:            cloneInt(s.rewards.UserUnclaimedReward),
			UserClaimedReward:              s.rewards.UserClaimedReward,
		},
		Applied: s.applied,
	}
	for _, rec := range s.stakes {
		c := *rec
		c.AmountRaw = cloneInt(rec.AmountRaw)
		c.RewardShares = cloneInt(rec.RewardShares)
		snap.Stakes = append(snap.Stakes, c)
	}
	return snap
}

// Stake returns the active stake with id, if the tracked account owns it.
func (snap Snapshot) Stake(id uint64) (StakeRecord, bool) {
	for _, rec := range snap.Stakes {
		if rec.StakeID == id {
			return rec, true
		}
	}
	return StakeRecord{}, false
}

func copyBalances(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st stakeStatus) String() string {
	switch st {
	case stakeActive:
		return "active"
	case stakeWithdrawn:
		return "withdrawn"
	}
	return "nonexistent"
}
