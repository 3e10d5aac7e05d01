package remittance

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidCharacter = errors.New("Invalid Character")
	ErrTooManyDecimals  = errors.New("Too Many Decimals")
	ErrInvalidAmount    = errors.New("Invalid Amount")
)

// Decimal represents a decimal number. It is designed to not have precision rounding errors for
// prices.
type Decimal struct {
	value     uint64
	precision uint8
}

func NewDecimal(value uint64, precision uint8) Decimal {
	return Decimal{
		value:     value,
		precision: precision,
	}
}

func (d *Decimal) Set(value uint64, precision uint8) {
	d.value = value
	d.precision = precision
}

func (d Decimal) IsZero() bool {
	return d.value == 0
}

func (d Decimal) Equal(other Decimal) bool {
	if d.value != other.value {
		return false
	}

	if d.precision != other.precision {
		return false
	}

	return true
}

func (d Decimal) String() string {
	if d.precision == 0 {
		return fmt.Sprintf("%d", d.value)
	}

	formatter := fmt.Sprintf("%%0%dd", d.precision+1)
	s := fmt.Sprintf(formatter, d.value)

	i := uint(len(s)) - uint(d.precision)
	return s[:i] + "." + s[i:]
}

func (d *Decimal) SetString(s string) error {
	var value uint64
	var precision uint8
	decimalFound := false
	l := len(s)
	for i := 0; i < l; i++ {
		c := s[i]
		if c == '.' {
			if decimalFound {
				return ErrTooManyDecimals
			}

			decimalFound = true
			precision = uint8(l - i - 1)
			continue
		}

		if c > '9' || c < '0' {
			return errors.Wrap(ErrInvalidCharacter, string([]byte{c}))
		}

		v := uint64(c - '0')
		value *= 10
		value += v
	}

	d.value = value
	d.precision = precision
	return nil
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%s\"", d)), nil
}

func (d *Decimal) UnmarshalJSON(data []byte) error {
	l := len(data)
	if l < 2 {
		return errors.New("Missing Quotes")
	}
	if data[0] != '"' || data[l-1] != '"' {
		return errors.New("Missing Quotes")
	}

	if err := d.SetString(string(data[1 : l-1])); err != nil {
		return err
	}

	return nil
}

func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Decimal) UnmarshalText(text []byte) error {
	return d.SetString(string(text))
}

// Unit names the denomination of an amount. The engine never converts between units.
type Unit struct {
	Namespace string  `json:"namespace"`
	Code      string  `json:"code"`
	Decimals  *uint32 `json:"decimals,omitempty"`
}

func (u Unit) Equal(other Unit) bool {
	return u.Namespace == other.Namespace && u.Code == other.Code
}

func (u Unit) String() string {
	return u.Namespace + ":" + u.Code
}

// Amount is a decimal value in a named unit. Values are carried as decimal strings and no
// arithmetic is ever performed on them.
type Amount struct {
	Value Decimal `json:"value"`
	Unit  Unit    `json:"unit"`
}

func NewAmount(value Decimal, unit Unit) Amount {
	return Amount{
		Value: value,
		Unit:  unit,
	}
}

// ParseAmount parses strings like "1000 bsv:sat" or "10.50 iso4217:USD".
func ParseAmount(s string) (Amount, error) {
	var result Amount

	parts := strings.Split(s, " ")
	if len(parts) != 2 {
		return result, errors.Wrap(ErrInvalidAmount, s)
	}

	if err := result.Value.SetString(parts[0]); err != nil {
		return result, errors.Wrap(err, "value")
	}

	unitParts := strings.Split(parts[1], ":")
	if len(unitParts) != 2 || len(unitParts[0]) == 0 || len(unitParts[1]) == 0 {
		return result, errors.Wrap(ErrInvalidAmount, parts[1])
	}

	result.Unit.Namespace = unitParts[0]
	result.Unit.Code = unitParts[1]
	return result, nil
}

func (a Amount) Equal(other Amount) bool {
	return a.Value.Equal(other.Value) && a.Unit.Equal(other.Unit)
}

func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Value, a.Unit)
}
