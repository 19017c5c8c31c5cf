package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// WadDecimals is the number of implied decimal places in a Wad.
const WadDecimals = 18

var (
	wadScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)
	bigZero  = big.NewInt(0)
)

// Scratch big.Ints for remainders and rounding comparisons
var int256Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt256() *big.Int {
	return int256Pool.Get().(*big.Int)
}

func putInt256(v *big.Int) {
	v.SetInt64(0)
	int256Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // toward zero (default for protocol payouts)
	RoundUp                           // away from zero
	RoundHalfEven                     // banker's rounding
)

// Wad is an immutable signed fixed-point number with 18 decimals.
// The zero value is 0.
type Wad struct {
	v *big.Int
}

func Zero() Wad { return Wad{} }

func One() Wad { return Wad{v: new(big.Int).Set(wadScale)} }

// NewWad returns n whole units.
func NewWad(n int64) Wad {
	v := big.NewInt(n)
	return Wad{v: v.Mul(v, wadScale)}
}

// NewWadFromRaw wraps an 18-decimal integer. The argument is copied.
func NewWadFromRaw(raw *big.Int) Wad {
	if raw == nil {
		return Wad{}
	}
	return Wad{v: new(big.Int).Set(raw)}
}

// RawWad builds a Wad from an int64 already scaled by 1e18.
func RawWad(raw int64) Wad {
	return Wad{v: big.NewInt(raw)}
}

// NewWadFraction returns num/den, rounded down.
func NewWadFraction(num, den int64) Wad {
	return NewWad(num).DivInt(den)
}

// ParseWad parses a decimal string such as "55000", "0.2" or "-1.5".
// More than 18 fractional digits is an error.
func ParseWad(s string) (Wad, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Wad{}, fmt.Errorf("parse wad: empty string")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return Wad{}, fmt.Errorf("parse wad: no digits")
	}
	if len(fracPart) > WadDecimals {
		return Wad{}, fmt.Errorf("parse wad %q: more than %d decimals", s, WadDecimals)
	}
	if intPart == "" {
		intPart = "0"
	}

	digits := intPart + fracPart + strings.Repeat("0", WadDecimals-len(fracPart))
	for _, c := range digits {
		if c < '0' || c > '9' {
			return Wad{}, fmt.Errorf("parse wad %q: invalid character %q", s, c)
		}
	}

	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Wad{}, fmt.Errorf("parse wad %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return Wad{v: v}, nil
}

// MustParseWad is ParseWad for constants and tests.
func MustParseWad(s string) Wad {
	w, err := ParseWad(s)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Wad) int() *big.Int {
	if w.v == nil {
		return bigZero
	}
	return w.v
}

// Raw returns a copy of the underlying 18-decimal integer.
func (w Wad) Raw() *big.Int {
	return new(big.Int).Set(w.int())
}

func (w Wad) Add(o Wad) Wad {
	return Wad{v: new(big.Int).Add(w.int(), o.int())}
}

func (w Wad) Sub(o Wad) Wad {
	return Wad{v: new(big.Int).Sub(w.int(), o.int())}
}

func (w Wad) Neg() Wad {
	return Wad{v: new(big.Int).Neg(w.int())}
}

// Mul returns w*o, rounded down.
func (w Wad) Mul(o Wad) Wad {
	return w.MulRound(o, RoundDown)
}

func (w Wad) MulRound(o Wad, mode RoundingMode) Wad {
	num := new(big.Int).Mul(w.int(), o.int())
	return Wad{v: divRound(num, wadScale, mode)}
}

// Div returns w/o, rounded down. Panics when o is zero.
func (w Wad) Div(o Wad) Wad {
	return w.DivRound(o, RoundDown)
}

func (w Wad) DivRound(o Wad, mode RoundingMode) Wad {
	num := new(big.Int).Mul(w.int(), wadScale)
	return Wad{v: divRound(num, o.int(), mode)}
}

// MulDiv returns w*num/den with a single rounding step.
func (w Wad) MulDiv(num, den Wad, mode RoundingMode) Wad {
	n := new(big.Int).Mul(w.int(), num.int())
	return Wad{v: divRound(n, den.int(), mode)}
}

// MulInt multiplies by a plain integer (no rescaling).
func (w Wad) MulInt(n int64) Wad {
	return Wad{v: new(big.Int).Mul(w.int(), big.NewInt(n))}
}

// DivInt divides by a plain integer, rounded down.
func (w Wad) DivInt(n int64) Wad {
	return Wad{v: divRound(new(big.Int).Set(w.int()), big.NewInt(n), RoundDown)}
}

func (w Wad) Cmp(o Wad) int    { return w.int().Cmp(o.int()) }
func (w Wad) Equal(o Wad) bool { return w.Cmp(o) == 0 }
func (w Wad) LT(o Wad) bool    { return w.Cmp(o) < 0 }
func (w Wad) LTE(o Wad) bool   { return w.Cmp(o) <= 0 }
func (w Wad) GT(o Wad) bool    { return w.Cmp(o) > 0 }
func (w Wad) GTE(o Wad) bool   { return w.Cmp(o) >= 0 }
func (w Wad) Sign() int        { return w.int().Sign() }
func (w Wad) IsZero() bool     { return w.Sign() == 0 }

func (w Wad) Abs() Wad {
	return Wad{v: new(big.Int).Abs(w.int())}
}

func Min(a, b Wad) Wad {
	if a.LTE(b) {
		return a
	}
	return b
}

func Max(a, b Wad) Wad {
	if a.GTE(b) {
		return a
	}
	return b
}

// String renders the value as a plain decimal with trailing zeros trimmed.
func (w Wad) String() string {
	v := w.int()
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)

	q, r := new(big.Int).QuoRem(abs, wadScale, new(big.Int))
	out := q.String()
	if r.Sign() != 0 {
		frac := r.String()
		frac = strings.Repeat("0", WadDecimals-len(frac)) + frac
		out += "." + strings.TrimRight(frac, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Float64 is lossy and only meant for metrics.
func (w Wad) Float64() float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(w.int()), new(big.Float).SetInt(wadScale)).Float64()
	return f
}

// MarshalJSON encodes the value as a decimal string.
func (w Wad) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

// UnmarshalJSON accepts a decimal string or a bare JSON number.
func (w *Wad) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*w = Wad{}
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = str
	}
	parsed, err := ParseWad(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// divRound performs num/den with the given rounding. num may be reused as the result.
func divRound(num, den *big.Int, mode RoundingMode) *big.Int {
	if den.Sign() == 0 {
		panic("math: division by zero")
	}

	rem := getInt256()
	defer putInt256(rem)

	// QuoRem truncates toward zero
	num.QuoRem(num, den, rem)
	if rem.Sign() == 0 {
		return num
	}

	// sign of the exact quotient
	sign := rem.Sign() * den.Sign()

	switch mode {
	case RoundUp:
		num.Add(num, big.NewInt(int64(sign)))

	case RoundHalfEven:
		twice := getInt256()
		defer putInt256(twice)
		twice.Abs(rem)
		twice.Lsh(twice, 1)

		absDen := getInt256()
		defer putInt256(absDen)
		absDen.Abs(den)

		cmp := twice.Cmp(absDen)
		if cmp > 0 || (cmp == 0 && num.Bit(0) == 1) {
			num.Add(num, big.NewInt(int64(sign)))
		}
	}

	return num
}
