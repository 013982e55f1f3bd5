// Package units converts between human-readable token amounts and their
// smallest on-chain unit.
//
// USDC uses 6 decimal places (1 USDC = 1,000,000 units). The native
// collateral token uses 18 (1 ether = 10^18 wei). Amounts travel through
// the API and the stores as decimal strings and are only turned into
// big.Int for arithmetic.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	USDCDecimals  = 6
	EtherDecimals = 18
)

// ErrInvalidAmount is returned for unparseable or negative amounts.
var ErrInvalidAmount = errors.New("units: invalid amount")

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// representation at the given precision. Digits beyond the precision are
// truncated. Negative amounts are rejected.
func Parse(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

// Format renders a smallest-unit amount as a decimal string without
// trailing zeros ("1.5", "0.01", "3").
func Format(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ParseEther parses an ether amount into wei.
func ParseEther(s string) (*big.Int, error) { return Parse(s, EtherDecimals) }

// FormatEther renders wei as ether.
func FormatEther(wei *big.Int) string { return Format(wei, EtherDecimals) }

// ParseUSDC parses a USDC amount into 6-decimal units.
func ParseUSDC(s string) (*big.Int, error) { return Parse(s, USDCDecimals) }

// FormatUSDC renders USDC units with exactly 6 decimal places ("1.500000").
func FormatUSDC(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	return decimal.NewFromBigInt(amount, -USDCDecimals).StringFixed(USDCDecimals)
}

// Normalize re-renders an ether amount in canonical form, so values read
// back from NUMERIC columns ("1.500000000000000000") compare equal to the
// ones written ("1.5").
func Normalize(s string) string {
	wei, err := ParseEther(s)
	if err != nil {
		return s
	}
	return FormatEther(wei)
}
