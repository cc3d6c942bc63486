// Package contract builds the holding contract's state-changing calls and
// hands them to an externally supplied signer.
//
// The store is never updated from here. A submitted transaction only shows up
// in the state once its event is observed on the log.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrTransactionFailed wraps every signer or submission failure.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrNoSigner is returned when no wallet is connected.
	ErrNoSigner = errors.New("no wallet connected")
)

const (
	DefaultGasLimit = 2_500_000
	ClaimGasLimit   = 1_000_000
)

// HoldingFunctionsABI lists the contract functions this client calls.
const HoldingFunctionsABI = `[
 {"type":"function","name":"stake","stateMutability":"payable","inputs":[
  {"name":"tokenId","type":"address"},
  {"name":"amount","type":"uint256"},
  {"name":"duration","type":"uint256"},
  {"name":"boostTokenAmount","type":"uint256"},
  {"name":"priceUpdate","type":"bytes[]"}],"outputs":[]},
 {"type":"function","name":"Unstake","stateMutability":"nonpayable","inputs":[
  {"name":"stakeId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"claimReward","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"tokenAssociate","stateMutability":"nonpayable","inputs":[
  {"name":"tokenId","type":"address"}],"outputs":[]},
 {"type":"function","name":"setPoolFees","stateMutability":"nonpayable","inputs":[
  {"name":"token1","type":"address"},
  {"name":"token2","type":"address"},
  {"name":"newFee","type":"uint24"}],"outputs":[]}
]`

// Call is one contract invocation handed to the signer.
type Call struct {
	Contract     common.Address
	Function     string
	Params       []byte // ABI-encoded arguments without the selector
	Data         []byte // selector followed by Params
	PayableValue *big.Int
	GasLimit     uint64
}

// TxResult is what the signer reports back for a submitted call.
type TxResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// Signer submits calls on behalf of the connected wallet. Keys never reach this package.
type Signer interface {
	Submit(ctx context.Context, call Call) (*TxResult, error)
	// ApproveAllowance lets spender move amount of token from the wallet.
	ApproveAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error
}

// UpdateSource supplies signed price-update payloads for native deposits.
type UpdateSource interface {
	UpdateData(ctx context.Context) ([][]byte, error)
}

// Client encodes holding-contract calls.
type Client struct {
	address common.Address
	abi     abi.ABI
	updates UpdateSource

	mu     sync.RWMutex
	signer Signer
}

// NewClient creates a client for the contract at address. signer may be nil
// until a wallet connects; updates is required for native deposits.
func NewClient(address common.Address, signer Signer, updates UpdateSource) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(HoldingFunctionsABI))
	if err != nil {
		return nil, fmt.Errorf("parse holding functions: %w", err)
	}
	return &Client{address: address, abi: parsed, signer: signer, updates: updates}, nil
}

// SetSigner swaps the connected wallet. nil disconnects it.
func (c *Client) SetSigner(s Signer) {
	c.mu.Lock()
	c.signer = s
	c.mu.Unlock()
}

// currentSigner returns the connected wallet or ErrNoSigner.
func (c *Client) currentSigner() (Signer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	return c.signer, nil
}

// Pack returns the calldata of fn with args.
func (c *Client) Pack(fn string, args ...interface{}) (Call, error) {
	data, err := c.abi.Pack(fn, args...)
	if err != nil {
		return Call{}, fmt.Errorf("encode %s: %w", fn, err)
	}
	return Call{
		Contract:     c.address,
		Function:     fn,
		Params:       data[4:],
		Data:         data,
		PayableValue: new(big.Int),
		GasLimit:     DefaultGasLimit,
	}, nil
}

// Stake deposits amount of token for duration seconds, burning boost utility tokens.
// Native deposits send amount as value together with a fresh price update;
// other tokens are approved for the contract first.
func (c *Client) Stake(ctx context.Context, token common.Address, amount *big.Int, duration uint64, boost *big.Int) (*TxResult, error) {
	signer, err := c.currentSigner()
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrTransactionFailed)
	}
	if boost == nil {
		boost = new(big.Int)
	}

	updates := [][]byte{}
	value := new(big.Int)
	if token == event.NativeToken {
		if c.updates == nil {
			return nil, fmt.Errorf("%w: no price update source", ErrTransactionFailed)
		}
		blobs, err := c.updates.UpdateData(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: price update: %v", ErrTransactionFailed, err)
		}
		updates = blobs
		value.Set(amount)
	} else {
		if err := signer.ApproveAllowance(ctx, token, c.address, amount); err != nil {
			return nil, fmt.Errorf("%w: approve allowance: %v", ErrTransactionFailed, err)
		}
	}

	call, err := c.Pack("stake", token, amount, new(big.Int).SetUint64(duration), boost, updates)
	if err != nil {
		return nil, err
	}
	call.PayableValue = value
	return c.submit(ctx, signer, call)
}

// Unstake withdraws the stake with stakeID.
func (c *Client) Unstake(ctx context.Context, stakeID uint64) (*TxResult, error) {
	return c.send(ctx, DefaultGasLimit, "Unstake", new(big.Int).SetUint64(stakeID))
}

// ClaimReward claims the caller's accrued reward.
func (c *Client) ClaimReward(ctx context.Context) (*TxResult, error) {
	return c.send(ctx, ClaimGasLimit, "claimReward")
}

// AssociateToken associates the contract with token so it can hold it.
func (c *Client) AssociateToken(ctx context.Context, token common.Address) (*TxResult, error) {
	return c.send(ctx, DefaultGasLimit, "tokenAssociate", token)
}

// SetPoolFee sets the swap pool fee (in hundredths of a bip) for a token pair.
func (c *Client) SetPoolFee(ctx context.Context, token1, token2 common.Address, fee uint32) (*TxResult, error) {
	if fee >= 1<<24 {
		return nil, fmt.Errorf("%w: fee %d does not fit uint24", ErrTransactionFailed, fee)
	}
	return c.send(ctx, DefaultGasLimit, "setPoolFees", token1, token2, new(big.Int).SetUint64(uint64(fee)))
}

func (c *Client) send(ctx context.Context, gas uint64, fn string, args ...interface{}) (*TxResult, error) {
	signer, err := c.currentSigner()
	if err != nil {
		return nil, err
	}
	call, err := c.Pack(fn, args...)
	if err != nil {
		return nil, err
	}
	call.GasLimit = gas
	return c.submit(ctx, signer, call)
}

func (c *Client) submit(ctx context.Context, signer Signer, call Call) (*TxResult, error) {
	res, err := signer.Submit(ctx, call)
	if err != nil {
		log.Warn("Contract call failed", "function", call.Function, "err", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrTransactionFailed, call.Function, err)
	}
	if res == nil {
		res = &TxResult{}
	}
	log.Info("Contract call submitted", "function", call.Function, "tx", res.TransactionID, "status", res.Status)
	return res, nil
}
