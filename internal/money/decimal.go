// Package money provides exact decimal arithmetic for revenue and spend sums.
package money

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

var ctx = apd.BaseContext.WithPrecision(34)

// Decimal is an immutable exact decimal value. The zero value is 0.
type Decimal struct {
	value apd.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{}

// Parse parses a decimal string such as "100" or "12.50".
func Parse(s string) (Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return Decimal{}, fmt.Errorf("invalid decimal %q: not finite", s)
	}
	return Decimal{value: d}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt64 returns i as a Decimal.
func FromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

// FromFloat64 converts f using its shortest round-trip representation, so equal floats
// always map to equal decimals.
func FromFloat64(f float64) Decimal {
	d, err := Parse(strconv.FormatFloat(f, 'g', -1, 64))
	if err != nil {
		return Decimal{}
	}
	return d
}

func (d Decimal) String() string {
	return d.value.Text('f')
}

// Float64 returns the nearest float64.
func (d Decimal) Float64() float64 {
	f, err := d.value.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

// Sign returns -1, 0 or 1.
func (d Decimal) Sign() int {
	return d.value.Sign()
}

func (d Decimal) Cmp(other Decimal) int {
	return d.value.Cmp(&other.value)
}

// Add returns the sum of d and other.
func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	ctx.Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Sub returns d minus other.
func (d Decimal) Sub(other Decimal) Decimal {
	var result apd.Decimal
	ctx.Sub(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Mul returns the product of d and other.
func (d Decimal) Mul(other Decimal) Decimal {
	var result apd.Decimal
	ctx.Mul(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Quo returns d divided by other. Callers must check other for zero.
func (d Decimal) Quo(other Decimal) Decimal {
	var result apd.Decimal
	ctx.Quo(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Round returns d rounded half-up to the given number of fractional digits.
func (d Decimal) Round(places int32) Decimal {
	var result apd.Decimal
	c := ctx.WithPrecision(34)
	c.Rounding = apd.RoundHalfUp
	c.Quantize(&result, &d.value, -places)
	return Decimal{value: result}
}

// MarshalJSON encodes the decimal as a JSON string to avoid float rounding.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Accept bare numbers from older writers.
		s = string(b)
	}
	if s == "" {
		*d = Decimal{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Allocate splits d by weights, rounding each share to places and assigning the
// rounding remainder to the last share, so the shares always sum exactly to d.
func Allocate(d Decimal, weights []float64, places int32) []Decimal {
	if len(weights) == 0 {
		return nil
	}
	shares := make([]Decimal, len(weights))
	allocated := Zero
	for i, w := range weights[:len(weights)-1] {
		shares[i] = d.Mul(FromFloat64(w)).Round(places)
		allocated = allocated.Add(shares[i])
	}
	shares[len(weights)-1] = d.Sub(allocated)
	return shares
}
