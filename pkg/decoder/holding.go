package decoder

import (
	"fmt"
	"math/big"

	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// HoldingABI is the event schema emitted by the holding contract.
// The contract names deposits "Staked" and withdrawals "Unstaked".
const HoldingABI = `[
 {"anonymous":false,"name":"Staked","type":"event","inputs":[
  {"indexed":true,"internalType":"address","name":"user","type":"address"},
  {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"startTime","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"endTime","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"stakeId","type":"uint256"},
  {"indexed":false,"internalType":"address","name":"tokenId","type":"address"},
  {"indexed":false,"internalType":"uint256","name":"rewardShares","type":"uint256"}]},
 {"anonymous":false,"name":"Unstaked","type":"event","inputs":[
  {"indexed":true,"internalType":"address","name":"user","type":"address"},
  {"indexed":false,"internalType":"uint256","name":"stakeId","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
  {"indexed":false,"internalType":"bool","name":"early","type":"bool"},
  {"indexed":false,"internalType":"uint256","name":"penalty","type":"uint256"},
  {"indexed":false,"internalType":"address","name":"tokenId","type":"address"}]},
 {"anonymous":false,"name":"EpochStarted","type":"event","inputs":[
  {"indexed":true,"internalType":"uint256","name":"epochId","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"startTime","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"endTime","type":"uint256"}]},
 {"anonymous":false,"name":"EpochFinalized","type":"event","inputs":[
  {"indexed":true,"internalType":"uint256","name":"epochId","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"totalReward","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"totalRewardShares","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"rewardPerShare","type":"uint256"}]},
 {"anonymous":false,"name":"RewardClaimed","type":"event","inputs":[
  {"indexed":true,"internalType":"address","name":"user","type":"address"},
  {"indexed":false,"internalType":"uint256","name":"totalReward","type":"uint256"}]}
]`

var kindByName = map[string]event.Kind{
	"Staked":         event.Deposited,
	"Unstaked":       event.Withdrawn,
	"EpochStarted":   event.EpochStarted,
	"EpochFinalized": event.EpochFinalized,
	"RewardClaimed":  event.RewardClaimed,
}

// Registry decodes holding-contract logs into typed events.
type Registry struct {
	abi *ABIWrapper
}

// NewRegistry builds the registry for HoldingABI.
func NewRegistry() *Registry {
	w, err := NewFromJSON(HoldingABI)
	if err != nil {
		// HoldingABI is a compile-time constant
		panic(fmt.Sprintf("decoder: invalid holding ABI: %v", err))
	}
	return &Registry{abi: w}
}

// Topics returns the topic0 hashes of the five known events.
func (r *Registry) Topics() []common.Hash {
	return r.abi.EventIDs()
}

// TopicOf returns the topic0 hash for a kind.
func (r *Registry) TopicOf(k event.Kind) (common.Hash, bool) {
	for name, kind := range kindByName {
		if kind == k {
			ev, ok := r.abi.parsedABI.Events[name]
			return ev.ID, ok
		}
	}
	return common.Hash{}, false
}

// Decode turns a raw log into a typed event.
func (r *Registry) Decode(l types.Log) (event.Event, error) {
	dl, err := r.abi.Decode(l)
	if err != nil {
		return event.Event{}, err
	}
	kind, ok := kindByName[dl.Name]
	if !ok {
		return event.Event{}, fmt.Errorf("%w: unmapped event %s", ErrDecodeFailed, dl.Name)
	}

	ev := event.Event{
		Kind: kind,
		Meta: event.Meta{BlockNumber: l.BlockNumber, TxHash: l.TxHash, LogIndex: l.Index},
	}
	f := fields{name: dl.Name, in: dl.Inputs}

	switch kind {
	case event.Deposited:
		ev.User = f.address("user")
		ev.Amount = f.bigInt("amount")
		ev.StartTime = f.uint64("startTime")
		ev.EndTime = f.uint64("endTime")
		ev.StakeID = f.uint64("stakeId")
		ev.Token = f.address("tokenId")
		ev.RewardShares = f.bigInt("rewardShares")
	case event.Withdrawn:
		ev.User = f.address("user")
		ev.StakeID = f.uint64("stakeId")
		ev.Amount = f.bigInt("amount")
		ev.Early = f.bool("early")
		ev.Penalty = f.bigInt("penalty")
		ev.Token = f.address("tokenId")
	case event.EpochStarted:
		ev.EpochID = f.uint64("epochId")
		ev.StartTime = f.uint64("startTime")
		ev.EndTime = f.uint64("endTime")
	case event.EpochFinalized:
		ev.EpochID = f.uint64("epochId")
		ev.TotalReward = f.bigInt("totalReward")
		ev.TotalRewardShares = f.bigInt("totalRewardShares")
		ev.RewardPerShare = f.bigInt("rewardPerShare")
	case event.RewardClaimed:
		ev.User = f.address("user")
		ev.TotalReward = f.bigInt("totalReward")
	}
	if f.err != nil {
		return event.Event{}, f.err
	}
	return ev, nil
}

// fields extracts typed values from an unpacked input map, keeping the first error.
type fields struct {
	name string
	in   map[string]interface{}
	err  error
}

func (f *fields) fail(key, want string) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s.%s is not %s", ErrDecodeFailed, f.name, key, want)
	}
}

func (f *fields) address(key string) common.Address {
	v, ok := f.in[key].(common.Address)
	if !ok {
		f.fail(key, "an address")
	}
	return v
}

func (f *fields) bigInt(key string) *big.Int {
	v, ok := f.in[key].(*big.Int)
	if !ok || v == nil {
		f.fail(key, "a uint256")
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func (f *fields) uint64(key string) uint64 {
	v := f.bigInt(key)
	if !v.IsUint64() {
		f.fail(key, "a uint64")
		return 0
	}
	return v.Uint64()
}

func (f *fields) bool(key string) bool {
	v, ok := f.in[key].(bool)
	if !ok {
		f.fail(key, "a bool")
	}
	return v
}
