package mirror

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RawLog is one contract log entry as served by the mirror node.
type RawLog struct {
	Address          string   `json:"address"`
	ContractID       string   `json:"contract_id"`
	BlockNumber      uint64   `json:"block_number"`
	BlockHash        string   `json:"block_hash"` // 48 bytes on Hedera, kept as text
	Data             string   `json:"data"`
	Index            uint     `json:"index"`
	Topics           []string `json:"topics"`
	TransactionHash  string   `json:"transaction_hash"`
	TransactionIndex uint     `json:"transaction_index"`
	Timestamp        string   `json:"timestamp"`
}

// ToLog converts the entry into a go-ethereum log for ABI decoding.
func (r RawLog) ToLog() (types.Log, error) {
	l := types.Log{
		Address:     common.HexToAddress(r.Address),
		BlockNumber: r.BlockNumber,
		TxHash:      common.HexToHash(r.TransactionHash),
		TxIndex:     r.TransactionIndex,
		Index:       r.Index,
	}
	for i, t := range r.Topics {
		b, err := hexutil.Decode(t)
		if err != nil || len(b) > common.HashLength {
			return types.Log{}, fmt.Errorf("topic %d: invalid hash %q", i, t)
		}
		l.Topics = append(l.Topics, common.BytesToHash(b))
	}
	if r.Data != "" && r.Data != "0x" {
		data, err := hexutil.Decode(r.Data)
		if err != nil {
			return types.Log{}, fmt.Errorf("data: %w", err)
		}
		l.Data = data
	}
	return l, nil
}

// LogPage is a single page of /results/logs.
type LogPage struct {
	Logs  []RawLog `json:"logs"`
	Links Links    `json:"links"`
}

// Links holds the cursor to the next page, relative to the mirror root.
type Links struct {
	Next string `json:"next"`
}

// Account is the subset of /api/v1/accounts/{id} the client needs.
type Account struct {
	ID         string         `json:"account"`
	EVMAddress string         `json:"evm_address"`
	Balance    AccountBalance `json:"balance"`
}

// AccountBalance holds the native balance in tinybar and token balances in raw units.
type AccountBalance struct {
	Balance   int64          `json:"balance"`
	Timestamp string         `json:"timestamp"`
	Tokens    []TokenBalance `json:"tokens"`
}

type TokenBalance struct {
	TokenID string `json:"token_id"`
	Balance int64  `json:"balance"`
}

// Address returns the account's EVM address.
func (a *Account) Address() common.Address {
	return common.HexToAddress(a.EVMAddress)
}

// TokenInfo is the subset of /api/v1/tokens/{id} the client needs.
type TokenInfo struct {
	TokenID  string    `json:"token_id"`
	Symbol   string    `json:"symbol"`
	Name     string    `json:"name"`
	Decimals flexInt32 `json:"decimals"`
}

// flexInt32 accepts both "6" and 6; the mirror node serves decimals as a string.
type flexInt32 int32

func (f *flexInt32) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return fmt.Errorf("decimals %s: %w", b, err)
	}
	*f = flexInt32(v)
	return nil
}

func (f flexInt32) MarshalJSON() ([]byte, error) {
	return json.Marshal(int32(f))
}
