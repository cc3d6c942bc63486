package decoder

import (
	"fmt"
	"math/big"

	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Encode is the inverse of Decode: it packs a typed event into a raw log
// as the contract would emit it. Used by fixtures and replay tooling.
func (r *Registry) Encode(ev event.Event) (types.Log, error) {
	var (
		name    string
		indexed common.Hash
		args    []interface{}
	)
	u := func(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
	z := func(v *big.Int) *big.Int {
		if v == nil {
			return new(big.Int)
		}
		return v
	}

	switch ev.Kind {
	case event.Deposited:
		name = "Staked"
		indexed = common.BytesToHash(ev.User.Bytes())
		args = []interface{}{z(ev.Amount), u(ev.StartTime), u(ev.EndTime), u(ev.StakeID), ev.Token, z(ev.RewardShares)}
	case event.Withdrawn:
		name = "Unstaked"
		indexed = common.BytesToHash(ev.User.Bytes())
		args = []interface{}{u(ev.StakeID), z(ev.Amount), ev.Early, z(ev.Penalty), ev.Token}
	case event.EpochStarted:
		name = "EpochStarted"
		indexed = common.BigToHash(u(ev.EpochID))
		args = []interface{}{u(ev.StartTime), u(ev.EndTime)}
	case event.EpochFinalized:
		name = "EpochFinalized"
		indexed = common.BigToHash(u(ev.EpochID))
		args = []interface{}{z(ev.TotalReward), z(ev.TotalRewardShares), z(ev.RewardPerShare)}
	case event.RewardClaimed:
		name = "RewardClaimed"
		indexed = common.BytesToHash(ev.User.Bytes())
		args = []interface{}{z(ev.TotalReward)}
	default:
		return types.Log{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	abiEvent := r.abi.parsedABI.Events[name]
	data, err := abiEvent.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack %s: %w", name, err)
	}
	return types.Log{
		Topics:      []common.Hash{abiEvent.ID, indexed},
		Data:        data,
		BlockNumber: ev.Meta.BlockNumber,
		TxHash:      ev.Meta.TxHash,
		Index:       ev.Meta.LogIndex,
	}, nil
}
