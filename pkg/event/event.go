package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies one of the holding contract's event types.
type Kind string

const (
	Deposited      Kind = "Deposited"
	Withdrawn      Kind = "Withdrawn"
	EpochStarted   Kind = "EpochStarted"
	EpochFinalized Kind = "EpochFinalized"
	RewardClaimed  Kind = "RewardClaimed"
)

// NativeToken is the sentinel address the contract uses for the native asset.
var NativeToken = common.Address{}

// Meta carries the position of an event in the ledger.
// Zero values mean the source did not provide the field.
type Meta struct {
	BlockNumber uint64      `json:"block_number"`
	TxHash      common.Hash `json:"tx_hash"`
	LogIndex    uint        `json:"log_index"`
	Timestamp   string      `json:"timestamp,omitempty"` // consensus timestamp, e.g. "1718030512.123456789"
}

// Event is a decoded contract event. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind `json:"kind"`
	Meta Meta `json:"meta"`

	// Deposited, Withdrawn, RewardClaimed
	User common.Address `json:"user,omitempty"`

	// Deposited, Withdrawn
	StakeID uint64         `json:"stake_id,omitempty"`
	Token   common.Address `json:"token,omitempty"`
	Amount  *big.Int       `json:"amount,omitempty"`

	// Deposited
	StartTime    uint64   `json:"start_time,omitempty"`
	EndTime      uint64   `json:"end_time,omitempty"`
	RewardShares *big.Int `json:"reward_shares,omitempty"`

	// Withdrawn
	Early   bool     `json:"early,omitempty"`
	Penalty *big.Int `json:"penalty,omitempty"`

	// EpochStarted (StartTime, EndTime), EpochFinalized
	EpochID           uint64   `json:"epoch_id,omitempty"`
	TotalReward       *big.Int `json:"total_reward,omitempty"`
	TotalRewardShares *big.Int `json:"total_reward_shares,omitempty"`
	RewardPerShare    *big.Int `json:"reward_per_share,omitempty"`
}

// Key identifies an event for duplicate suppression.
// Two deliveries of the same log (historical page and live stream) share a key.
type Key struct {
	Kind     Kind
	Subject  uint64
	TxHash   common.Hash
	LogIndex uint
}

// Key returns the idempotency key of e.
func (e Event) Key() Key {
	k := Key{Kind: e.Kind, TxHash: e.Meta.TxHash, LogIndex: e.Meta.LogIndex}
	switch e.Kind {
	case Deposited, Withdrawn:
		k.Subject = e.StakeID
	case EpochStarted, EpochFinalized:
		k.Subject = e.EpochID
	}
	return k
}

// HasBlockContext reports whether the event carries a ledger position.
func (e Event) HasBlockContext() bool {
	return e.Meta.TxHash != (common.Hash{}) || e.Meta.BlockNumber != 0
}

// IsNative reports whether the event's token is the native asset.
func (e Event) IsNative() bool {
	return e.Token == NativeToken
}

func (e Event) String() string {
	switch e.Kind {
	case Deposited, Withdrawn:
		return fmt.Sprintf("%s(stake=%d user=%s token=%s amount=%v)", e.Kind, e.StakeID, e.User.Hex(), e.Token.Hex(), e.Amount)
	case EpochStarted:
		return fmt.Sprintf("%s(epoch=%d end=%d)", e.Kind, e.EpochID, e.EndTime)
	case EpochFinalized:
		return fmt.Sprintf("%s(epoch=%d reward=%v rps=%v)", e.Kind, e.EpochID, e.TotalReward, e.RewardPerShare)
	case RewardClaimed:
		return fmt.Sprintf("%s(user=%s reward=%v)", e.Kind, e.User.Hex(), e.TotalReward)
	}
	return string(e.Kind)
}
