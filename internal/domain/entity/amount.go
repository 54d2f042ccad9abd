package entity

import (
	"github.com/shopspring/decimal"
)

// SatoshisPerBTC is the number of satoshis in one bitcoin
const SatoshisPerBTC = 100_000_000

// Satoshi is an amount of bitcoin expressed in its smallest unit
type Satoshi int64

// BTC returns the amount as an exact decimal number of bitcoins
func (s Satoshi) BTC() decimal.Decimal {
	return decimal.New(int64(s), -8)
}

// Float returns the amount in bitcoins as a float, for scoring and metrics only
func (s Satoshi) Float() float64 {
	return s.BTC().InexactFloat64()
}

// String formats the amount in bitcoins with 8 decimals
func (s Satoshi) String() string {
	return s.BTC().StringFixed(8)
}

// SatoshiFromBTC converts a bitcoin float (as returned by bitcoind) into satoshis without
// binary rounding drift
func SatoshiFromBTC(btc float64) Satoshi {
	return Satoshi(decimal.NewFromFloat(btc).Shift(8).Round(0).IntPart())
}

// SatoshiFromDecimal converts a decimal bitcoin amount into satoshis
func SatoshiFromDecimal(btc decimal.Decimal) Satoshi {
	return Satoshi(btc.Shift(8).Round(0).IntPart())
}
