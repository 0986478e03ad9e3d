// Package money represents currency amounts as integer micro-dollars so that
// budget arithmetic is exact at cap boundaries.
package money

import (
	"fmt"
	"math"
)

// Amount is a US dollar amount in millionths of a dollar.
type Amount int64

// Micro is one millionth of a dollar; Dollar is one dollar.
const (
	Micro  Amount = 1
	Cent   Amount = 10_000
	Dollar Amount = 1_000_000
)

// FromUSD converts a dollar value to an Amount, rounding to the nearest
// micro-dollar.
func FromUSD(usd float64) Amount {
	return Amount(math.Round(usd * float64(Dollar)))
}

// USD returns the amount in dollars.
func (a Amount) USD() float64 {
	return float64(a) / float64(Dollar)
}

// String formats the amount as dollars with four decimals, e.g. "$0.0800".
func (a Amount) String() string {
	sign := ""
	v := a
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%04d", sign, v/Dollar, (v%Dollar)/100)
}
