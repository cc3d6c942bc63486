package subscription

import (
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Filter defines which logs the live feed delivers.
type Filter struct {
	// Contracts is the list of contract addresses to listen to (Log.Address).
	// If empty, listens to all contracts.
	Contracts []common.Address

	// Topics maps to the eth_subscribe topics parameter: [[A, B], [C], null, [D]]
	// Logical relation: (Topic0 in [A, B]) AND (Topic1 in [C])
	Topics [][]common.Hash
}

// NewFilter creates a new filter
func NewFilter() *Filter {
	return &Filter{
		Contracts: make([]common.Address, 0),
		Topics:    make([][]common.Hash, 0),
	}
}

// AddContract adds contract addresses to listen to
func (f *Filter) AddContract(addrs ...common.Address) *Filter {
	f.Contracts = append(f.Contracts, addrs...)
	return f
}

// SetTopic adds hashes at a topic position (0 is the event signature)
func (f *Filter) SetTopic(pos int, hashes ...common.Hash) *Filter {
	if len(f.Topics) <= pos {
		newTopics := make([][]common.Hash, pos+1)
		copy(newTopics, f.Topics)
		f.Topics = newTopics
	}
	f.Topics[pos] = append(f.Topics[pos], hashes...)
	return f
}

// ToQuery converts the filter to an open-ended query for subscriptions.
func (f *Filter) ToQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: f.Contracts,
		Topics:    f.Topics,
	}
}

// Matches reports whether l satisfies the filter. Relays are not trusted to
// filter exactly, so delivered logs are checked again locally.
func (f *Filter) Matches(l types.Log) bool {
	if len(f.Contracts) > 0 {
		found := false
		for _, addr := range f.Contracts {
			if l.Address == addr {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for pos, subTopics := range f.Topics {
		if len(subTopics) == 0 {
			continue // wildcard
		}
		if pos >= len(l.Topics) {
			return false
		}
		found := false
		for _, hash := range subTopics {
			if l.Topics[pos] == hash {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
