package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrAmountOverflow = errors.New("amount exceeds 256 bits")
)

// Amount is a token quantity in its smallest unit. Decimals is only used for display;
// arithmetic never leaves the integer domain.
type Amount struct {
	value    uint256.Int
	Decimals uint8
}

func NewAmount(v *uint256.Int, decimals uint8) Amount {
	a := Amount{Decimals: decimals}
	if v != nil {
		a.value.Set(v)
	}
	return a
}

func AmountFromUint64(v uint64, decimals uint8) Amount {
	return NewAmount(uint256.NewInt(v), decimals)
}

// AmountFromBig converts a ledger integer, rejecting negative values and values wider than 256 bits.
func AmountFromBig(v *big.Int, decimals uint8) (Amount, error) {
	if v == nil {
		return Amount{Decimals: decimals}, nil
	}
	if v.Sign() < 0 {
		return Amount{}, ErrNegativeAmount
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return Amount{}, ErrAmountOverflow
	}
	return NewAmount(u, decimals), nil
}

// maxAmountText covers 78 integer digits plus 255 decimal places with room for
// trailing zeros.
const maxAmountText = 400

// ParseAmount parses a human readable quantity such as "1.5" into base units.
// Exponent notation is rejected.
func ParseAmount(s string, decimals uint8) (Amount, error) {
	if len(s) > maxAmountText {
		return Amount{}, fmt.Errorf("parse amount: %d characters is too long", len(s))
	}
	if strings.ContainsAny(s, "eE") {
		return Amount{}, fmt.Errorf("parse amount %q: exponent notation is not supported", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return Amount{}, ErrNegativeAmount
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Amount{}, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	return AmountFromBig(scaled.BigInt(), decimals)
}

// ParseBaseUnits parses an integer string already expressed in base units.
func ParseBaseUnits(s string, decimals uint8) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid base unit amount: %s", s)
	}
	return AmountFromBig(v, decimals)
}

func (a Amount) Uint256() *uint256.Int {
	return a.value.Clone()
}

func (a Amount) Big() *big.Int {
	return a.value.ToBig()
}

func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

func (a Amount) Cmp(b Amount) int {
	return a.value.Cmp(&b.value)
}

func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	out.Decimals = a.Decimals
	if _, overflow := out.value.AddOverflow(&a.value, &b.value); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return out, nil
}

// Sub returns a-b and false when b > a.
func (a Amount) Sub(b Amount) (Amount, bool) {
	var out Amount
	out.Decimals = a.Decimals
	if _, underflow := out.value.SubOverflow(&a.value, &b.value); underflow {
		return Amount{Decimals: a.Decimals}, false
	}
	return out, true
}

// BaseUnits renders the integer value.
func (a Amount) BaseUnits() string {
	return a.value.Dec()
}

func (a Amount) String() string {
	return decimal.NewFromBigInt(a.value.ToBig(), -int32(a.Decimals)).String()
}

type amountJSON struct {
	Value    string `json:"value"`
	Decimals uint8  `json:"decimals"`
	Display  string `json:"display"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{
		Value:    a.BaseUnits(),
		Decimals: a.Decimals,
		Display:  a.String(),
	})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var aux amountJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	parsed, err := ParseBaseUnits(aux.Value, aux.Decimals)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
