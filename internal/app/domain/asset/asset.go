// Package asset implements fixed-point token amounts tagged with a symbol.
// All arithmetic is checked: overflow and symbol mismatch are reported as
// errors, never clamped.
package asset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrSymbolMismatch is returned when two amounts of different symbols meet.
	ErrSymbolMismatch = errors.New("asset symbol mismatch")
	// ErrOverflow is returned when an operation leaves the int64 range.
	ErrOverflow = errors.New("asset amount overflow")
	// ErrInvalidFormat is returned by Parse for malformed input.
	ErrInvalidFormat = errors.New("invalid asset format")
)

// Symbol names a token and the number of decimal places of its raw unit.
type Symbol struct {
	Code      string `json:"code"`
	Precision uint8  `json:"precision"`
}

func (s Symbol) String() string { return fmt.Sprintf("%d,%s", s.Precision, s.Code) }

// Accounting is the single unit every balance, price and fee is held in.
var Accounting = Symbol{Code: "GAS", Precision: 8}

// MinReplenishment is the smallest deposit accepted, in raw units (1 GAS).
const MinReplenishment int64 = 100_000_000

// Asset is an amount of raw units of Symbol.
type Asset struct {
	Amount int64
	Symbol Symbol
}

// New returns amount raw units of the accounting symbol.
func New(amount int64) Asset {
	return Asset{Amount: amount, Symbol: Accounting}
}

// Zero returns a zero amount of the accounting symbol.
func Zero() Asset { return New(0) }

// IsAccounting reports whether a is denominated in the accounting unit.
func (a Asset) IsAccounting() bool { return a.Symbol == Accounting }

// IsZero reports whether the amount is exactly zero.
func (a Asset) IsZero() bool { return a.Amount == 0 }

// Add returns a+b.
func (a Asset) Add(b Asset) (Asset, error) {
	if a.Symbol != b.Symbol {
		return Asset{}, fmt.Errorf("%w: %s + %s", ErrSymbolMismatch, a.Symbol, b.Symbol)
	}
	if (b.Amount > 0 && a.Amount > math.MaxInt64-b.Amount) ||
		(b.Amount < 0 && a.Amount < math.MinInt64-b.Amount) {
		return Asset{}, fmt.Errorf("%w: %d + %d", ErrOverflow, a.Amount, b.Amount)
	}
	return Asset{Amount: a.Amount + b.Amount, Symbol: a.Symbol}, nil
}

// Sub returns a-b.
func (a Asset) Sub(b Asset) (Asset, error) {
	if b.Amount == math.MinInt64 {
		return Asset{}, fmt.Errorf("%w: negate %d", ErrOverflow, b.Amount)
	}
	return a.Add(Asset{Amount: -b.Amount, Symbol: b.Symbol})
}

// Mul returns a*n.
func (a Asset) Mul(n int64) (Asset, error) {
	if a.Amount == 0 || n == 0 {
		return Asset{Amount: 0, Symbol: a.Symbol}, nil
	}
	product := a.Amount * n
	if product/n != a.Amount || (a.Amount == -1 && n == math.MinInt64) || (n == -1 && a.Amount == math.MinInt64) {
		return Asset{}, fmt.Errorf("%w: %d * %d", ErrOverflow, a.Amount, n)
	}
	return Asset{Amount: product, Symbol: a.Symbol}, nil
}

// Cmp compares a and b: -1, 0 or +1.
func (a Asset) Cmp(b Asset) (int, error) {
	if a.Symbol != b.Symbol {
		return 0, fmt.Errorf("%w: %s vs %s", ErrSymbolMismatch, a.Symbol, b.Symbol)
	}
	switch {
	case a.Amount < b.Amount:
		return -1, nil
	case a.Amount > b.Amount:
		return 1, nil
	}
	return 0, nil
}

// String formats as "5.00000000 GAS".
func (a Asset) String() string {
	d := decimal.New(a.Amount, -int32(a.Symbol.Precision))
	return d.StringFixed(int32(a.Symbol.Precision)) + " " + a.Symbol.Code
}

// Parse reads "<decimal> <CODE>". The code must be the accounting symbol and
// the decimal may not carry more places than its precision.
func Parse(s string) (Asset, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Asset{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	if fields[1] != Accounting.Code {
		return Asset{}, fmt.Errorf("%w: %s", ErrSymbolMismatch, fields[1])
	}
	return ParseAmount(fields[0], Accounting)
}

// ParseAmount converts a decimal string into raw units of sym.
func ParseAmount(value string, sym Symbol) (Asset, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	raw := d.Shift(int32(sym.Precision))
	if !raw.IsInteger() {
		return Asset{}, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidFormat, value, sym.Precision)
	}
	if raw.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || raw.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return Asset{}, fmt.Errorf("%w: %s", ErrOverflow, value)
	}
	return Asset{Amount: raw.IntPart(), Symbol: sym}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Asset {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// MarshalJSON encodes the asset as its string form.
func (a Asset) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes the string form produced by MarshalJSON.
func (a *Asset) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds a list of assets, starting from zero of the accounting unit.
func Sum(values ...Asset) (Asset, error) {
	total := Zero()
	for _, v := range values {
		next, err := total.Add(v)
		if err != nil {
			return Asset{}, err
		}
		total = next
	}
	return total, nil
}
