package session

import (
	"context"
	"fmt"
	"math/big"

	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/84hero/holding-mirror/pkg/reward"
	"github.com/84hero/holding-mirror/pkg/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

// DefaultRecentDeposits is the number of deposits RecentDeposits returns when n <= 0.
const DefaultRecentDeposits = 50

// Deposit is a Deposited event of any owner, priced for display.
type Deposit struct {
	Event    event.Event      `json:"event"`
	Token    token.Descriptor `json:"token"`
	Amount   decimal.Decimal  `json:"amount"`
	USDValue float64          `json:"usd_value"`
}

// RecentDeposits returns up to n of the newest deposits of all users, newest
// first. It reads only the latest log page and never touches the store.
func (s *Session) RecentDeposits(ctx context.Context, n int) ([]Deposit, error) {
	if n <= 0 {
		n = DefaultRecentDeposits
	}
	raws, err := s.deps.Mirror.FetchLatestLogs(ctx, s.cfg.ContractID, 0)
	if err != nil {
		return nil, fmt.Errorf("recent deposits: %w", err)
	}

	out := make([]Deposit, 0, n)
	for _, raw := range raws {
		if len(out) == n {
			break
		}
		ev, err := s.decode(raw)
		if err != nil {
			log.Debug("Skipping log in recent deposits", "tx", raw.TransactionHash, "err", err)
			continue
		}
		if ev.Kind != event.Deposited {
			continue
		}
		tok := s.deps.Prices.Describe(ctx, s.deps.Resolver, ev.Token)
		out = append(out, Deposit{
			Event:    ev,
			Token:    tok,
			Amount:   decimal.NewFromBigInt(ev.Amount, -tok.Decimals),
			USDValue: reward.USDValue(tok, ev.Amount),
		})
	}
	return out, nil
}

// Estimate is the preview of a deposit before it is submitted.
type Estimate struct {
	Token        token.Descriptor `json:"token"`
	Shares       *big.Int         `json:"shares"`
	USDValue     float64          `json:"usd_value"`
	BoostPercent int64            `json:"boost_percent"`
}

// EstimateShares computes the reward shares the contract would record for a
// deposit of amountRaw of tokenAddr locked for duration seconds with boostRaw
// utility tokens burned. Unpriced tokens estimate to zero shares.
func (s *Session) EstimateShares(ctx context.Context, tokenAddr common.Address, amountRaw *big.Int, duration uint64, boostRaw *big.Int) Estimate {
	tok := s.deps.Prices.Describe(ctx, s.deps.Resolver, tokenAddr)
	return Estimate{
		Token:        tok,
		Shares:       reward.ComputeRewardShares(tok, amountRaw, duration, boostRaw),
		USDValue:     reward.USDValue(tok, amountRaw),
		BoostPercent: reward.BoostPercent(boostRaw),
	}
}
