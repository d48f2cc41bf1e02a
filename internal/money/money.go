package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits an Amount carries (gwei).
const Decimals = 9

// GweiPerUnit is the number of minor units in one native-currency unit.
const GweiPerUnit = 1_000_000_000

var weiPerGwei = big.NewInt(1_000_000_000)

// Amount is a native-currency value counted in gwei. All bookkeeping is done
// on this integer so local rows match on-chain amounts exactly.
type Amount int64

// Parse reads a native-unit decimal string such as "0.05".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a native-unit decimal into gwei. Values with more
// precision than gwei are rejected rather than silently rounded.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", d)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d, Decimals)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s is out of range", d)
	}
	return Amount(scaled.IntPart()), nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the amount in native units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Decimals)
}

// String renders native units without trailing zeros, e.g. "0.023".
func (a Amount) String() string {
	return a.Decimal().String()
}

// Wei converts the amount for ledger calls.
func (a Amount) Wei() *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(a)), weiPerGwei)
}

// FromWei converts a ledger amount back to gwei, truncating sub-gwei dust.
func FromWei(wei *big.Int) Amount {
	if wei == nil {
		return 0
	}
	return Amount(new(big.Int).Quo(wei, weiPerGwei).Int64())
}

// Mul multiplies by a count, failing on overflow.
func (a Amount) Mul(n int) (Amount, error) {
	product := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(n)))
	if !product.IsInt64() {
		return 0, fmt.Errorf("amount %s x %d overflows", a, n)
	}
	return Amount(product.Int64()), nil
}

// PercentOf returns amount*bps/10000 rounded half-up.
func PercentOf(amount Amount, bps int64) Amount {
	num := new(big.Int).Mul(big.NewInt(int64(amount)), big.NewInt(bps))
	num.Add(num, big.NewInt(5_000))
	return Amount(num.Quo(num, big.NewInt(10_000)).Int64())
}

// MarshalJSON encodes the amount as a native-unit string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a native-unit string or number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as its gwei integer.
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}

// Scan reads a gwei integer column.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*a = Amount(v)
	case int32:
		*a = Amount(v)
	case nil:
		*a = 0
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
	return nil
}
