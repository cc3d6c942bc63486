package decoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrDecodeFailed is returned for logs that are unknown to the schema or malformed.
// Callers skip such logs; the contract log is append-only and may grow new event kinds.
var ErrDecodeFailed = errors.New("decode failed")

// ABIWrapper wraps the decoding logic using go-ethereum's ABI parser.
type ABIWrapper struct {
	parsedABI abi.ABI
}

// NewFromJSON creates a decoder from a JSON ABI string
func NewFromJSON(jsonStr string) (*ABIWrapper, error) {
	parsed, err := abi.JSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, err
	}
	return &ABIWrapper{parsedABI: parsed}, nil
}

// DecodedLog contains parsed human-readable data from a transaction log.
type DecodedLog struct {
	Name   string                 // Event name (e.g., Staked)
	Inputs map[string]interface{} // Parameter key-value pairs (e.g., user: 0x..., amount: 100)
}

// EventIDs returns the topic0 hash of every event in the ABI.
func (w *ABIWrapper) EventIDs() []common.Hash {
	ids := make([]common.Hash, 0, len(w.parsedABI.Events))
	for _, ev := range w.parsedABI.Events {
		ids = append(ids, ev.ID)
	}
	return ids
}

// Decode parses a single Log
func (w *ABIWrapper) Decode(log types.Log) (*DecodedLog, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrDecodeFailed)
	}

	// 1. Find the Event definition in ABI based on Topic[0] (Event Signature)
	event, err := w.parsedABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: event signature not found in ABI", ErrDecodeFailed)
	}

	result := &DecodedLog{
		Name:   event.Name,
		Inputs: make(map[string]interface{}),
	}

	// 2. Parse Data (non-indexed parameters)
	if len(log.Data) > 0 {
		if err := w.parsedABI.UnpackIntoMap(result.Inputs, event.Name, log.Data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrDecodeFailed, event.Name, err)
		}
	}

	// 3. Parse Topics (indexed parameters)
	var indexedArgs abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexedArgs = append(indexedArgs, arg)
		}
	}

	// Topics[0] is the signature, the rest are indexed parameters
	if len(log.Topics)-1 != len(indexedArgs) {
		return nil, fmt.Errorf("%w: topic count mismatch: expected %d, got %d", ErrDecodeFailed, len(indexedArgs), len(log.Topics)-1)
	}

	if err := abi.ParseTopicsIntoMap(result.Inputs, indexedArgs, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrDecodeFailed, event.Name, err)
	}

	return result, nil
}
