// Package reward mirrors the holding contract's reward-share arithmetic.
//
// All share values are computed on integers exactly as the contract does, so
// a share estimate shown before a deposit equals the value the contract
// records after it.
package reward

import (
	"math"
	"math/big"

	"github.com/84hero/holding-mirror/pkg/token"
)

const (
	// MaxBoost caps the boost bonus at +25%.
	MaxBoost = 25
	// MinUSDValue is the protocol's $1 floor expressed in usdValueTimes1e6 units.
	MinUSDValue = 100
)

var (
	microUSD   = big.NewInt(1_000_000)
	valueScale = big.NewInt(10_000)
	boostUnit  = big.NewInt(100_000_000)
	hundred    = big.NewInt(100)
)

// PriceMicroUSD converts a float USD price to integer micro-dollars, rounding half away from zero.
func PriceMicroUSD(priceUSD float64) *big.Int {
	if priceUSD <= 0 || math.IsNaN(priceUSD) || math.IsInf(priceUSD, 0) {
		return new(big.Int)
	}
	v, _ := new(big.Float).SetFloat64(math.Round(priceUSD * 1_000_000)).Int(nil)
	return v
}

// USDValueTimes1e6 is floor(amountRaw * priceMicroUsd / (10_000 * 10^decimals)).
// Unpriced tokens are worth zero.
func USDValueTimes1e6(tok token.Descriptor, amountRaw *big.Int) *big.Int {
	if !tok.Priced || amountRaw == nil || amountRaw.Sign() <= 0 {
		return new(big.Int)
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tok.Decimals)), nil)
	divisor.Mul(divisor, valueScale)

	v := new(big.Int).Mul(amountRaw, PriceMicroUSD(tok.PriceUSD))
	return v.Quo(v, divisor)
}

// BoostPercent returns the bonus percentage earned by burning boostRaw utility
// tokens: floor(log2(boostRaw / 1e8)) capped at MaxBoost, or 0 below one whole token.
func BoostPercent(boostRaw *big.Int) int64 {
	if boostRaw == nil || boostRaw.Cmp(boostUnit) < 0 {
		return 0
	}
	whole := new(big.Int).Quo(boostRaw, boostUnit)
	// floor(log2(n)) for n >= 1
	boost := int64(whole.BitLen() - 1)
	if boost > MaxBoost {
		boost = MaxBoost
	}
	return boost
}

// ComputeRewardShares returns the shares the contract will assign to a deposit
// of amountRaw held for durationSeconds with boostRaw burned.
// Deposits worth less than $1 earn nothing.
func ComputeRewardShares(tok token.Descriptor, amountRaw *big.Int, durationSeconds uint64, boostRaw *big.Int) *big.Int {
	usd := USDValueTimes1e6(tok, amountRaw)
	if usd.Cmp(big.NewInt(MinUSDValue)) < 0 {
		return new(big.Int)
	}

	shares := new(big.Int).Mul(usd, new(big.Int).SetUint64(durationSeconds))
	shares.Quo(shares, microUSD)

	if boostRaw != nil && boostRaw.Cmp(boostUnit) >= 0 {
		factor := big.NewInt(100 + BoostPercent(boostRaw))
		shares.Mul(shares, factor)
		shares.Quo(shares, hundred)
	}
	return shares
}

// USDValue approximates the USD worth of amountRaw for display.
// It is never used for share computation.
func USDValue(tok token.Descriptor, amountRaw *big.Int) float64 {
	if !tok.Priced || amountRaw == nil {
		return 0
	}
	readable := new(big.Float).SetInt(amountRaw)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tok.Decimals)), nil))
	readable.Quo(readable, scale)
	f, _ := readable.Float64()
	return f * tok.PriceUSD
}
