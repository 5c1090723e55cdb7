// Package money implements the wei-denominated fixed-point amount type used
// everywhere balances, stakes, and payouts are represented. All ledger
// arithmetic happens on integer wei; decimal ETH values are only ever parsed
// at the system boundary.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// WeiPerETH is 10^18, the number of wei in one ETH.
var WeiPerETH = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ErrPrecisionLoss is returned by ParseETH when the input decimal string
// carries more than 18 fractional digits and would silently lose precision
// if truncated to wei.
var ErrPrecisionLoss = errors.New("money: input has more precision than wei can represent")

// ErrNegative is returned where a negative amount is not permitted.
var ErrNegative = errors.New("money: amount must not be negative")

// Wei is an immutable integer amount of the smallest on-chain unit.
type Wei struct {
	v *big.Int
}

// Zero is the additive identity.
var Zero = Wei{v: big.NewInt(0)}

// FromInt64 builds a Wei from a plain integer count of wei.
func FromInt64(n int64) Wei {
	return Wei{v: big.NewInt(n)}
}

// FromBigInt copies b into a new Wei value.
func FromBigInt(b *big.Int) Wei {
	if b == nil {
		return Zero
	}
	return Wei{v: new(big.Int).Set(b)}
}

// ParseETH parses a decimal ETH string (e.g. "0.000000000000000001") into
// wei, rejecting any input whose fractional part cannot be represented
// exactly in 18 decimal places. This is the dedicated boundary parser
// required by the ledger's amount representation contract: arithmetic never
// touches floating point, and any precision a caller tried to express beyond
// wei granularity is a hard error rather than a silent truncation.
func ParseETH(s string) (Wei, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: invalid decimal %q: %w", s, err)
	}
	if d.Exponent() < -18 {
		return Zero, ErrPrecisionLoss
	}
	scaled := d.Shift(18)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Zero, ErrPrecisionLoss
	}
	bi, ok := new(big.Int).SetString(scaled.Truncate(0).String(), 10)
	if !ok {
		return Zero, fmt.Errorf("money: failed to convert %q to wei", s)
	}
	if bi.Sign() < 0 {
		return Zero, ErrNegative
	}
	return Wei{v: bi}, nil
}

// MustParseETH is ParseETH but panics on error; reserved for constants and
// tests where the input is a literal known to be valid.
func MustParseETH(s string) Wei {
	w, err := ParseETH(s)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Wei) big() *big.Int {
	if w.v == nil {
		return big.NewInt(0)
	}
	return w.v
}

// Add returns w + other.
func (w Wei) Add(other Wei) Wei {
	return Wei{v: new(big.Int).Add(w.big(), other.big())}
}

// Sub returns w - other (may be negative; callers enforce non-negativity).
func (w Wei) Sub(other Wei) Wei {
	return Wei{v: new(big.Int).Sub(w.big(), other.big())}
}

// Neg returns -w.
func (w Wei) Neg() Wei {
	return Wei{v: new(big.Int).Neg(w.big())}
}

// Cmp compares w to other: -1, 0, or 1.
func (w Wei) Cmp(other Wei) int {
	return w.big().Cmp(other.big())
}

// IsNegative reports whether w < 0.
func (w Wei) IsNegative() bool {
	return w.big().Sign() < 0
}

// IsZero reports whether w == 0.
func (w Wei) IsZero() bool {
	return w.big().Sign() == 0
}

// MulPPM multiplies w by a parts-per-million scalar (e.g. a crash_point_ppm
// or cashout_ppm multiplier), rounding down to the nearest wei. This is the
// single place payout = stake * multiplier happens, so truncation direction
// is documented once: the house never owes a fraction of a wei it didn't
// account for.
func (w Wei) MulPPM(ppm uint64) Wei {
	num := new(big.Int).Mul(w.big(), new(big.Int).SetUint64(ppm))
	num.Quo(num, big.NewInt(1_000_000))
	return Wei{v: num}
}

// String renders the integer wei amount.
func (w Wei) String() string {
	return w.big().String()
}

// ETHString renders w as a decimal ETH string with up to 18 fractional
// digits, trimming trailing zeros.
func (w Wei) ETHString() string {
	d := decimal.NewFromBigInt(w.big(), -18)
	return d.String()
}

// BigInt returns a defensive copy of the underlying integer.
func (w Wei) BigInt() *big.Int {
	return new(big.Int).Set(w.big())
}

// Value implements driver.Valuer so Wei can be written directly by
// database/sql and sqlx as a NUMERIC column.
func (w Wei) Value() (driver.Value, error) {
	return w.String(), nil
}

// Scan implements sql.Scanner, reading a NUMERIC/TEXT column back into Wei.
func (w *Wei) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*w = Zero
		return nil
	case string:
		bi, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return fmt.Errorf("money: cannot scan %q as wei", v)
		}
		*w = Wei{v: bi}
		return nil
	case []byte:
		return w.Scan(string(v))
	case int64:
		*w = FromInt64(v)
		return nil
	default:
		return fmt.Errorf("money: unsupported scan source type %T", src)
	}
}

// MarshalJSON renders the amount as a JSON string to avoid float64 precision
// loss in clients.
func (w Wei) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or bare integer.
func (w *Wei) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*w = Zero
		return nil
	}
	bi, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("money: cannot unmarshal %q as wei", s)
	}
	*w = Wei{v: bi}
	return nil
}
