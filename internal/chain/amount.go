package chain

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of wei digits in one ether.
const EtherDecimals = 18

var ErrInvalidAmount = errors.New("invalid amount")

// maxUint256 bounds a single parsed amount, like a uint256 contract value.
var maxUint256 = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)), 0)

// Amount is a non-negative whole count of wei. It is exact at any size and
// encodes to JSON as a decimal string so no consumer rounds it.
//
// Values are kept canonical (zero is the zero value, anything else an
// integer at exponent 0) so equal amounts are also deeply equal.
type Amount struct {
	d decimal.Decimal
}

func canonical(d decimal.Decimal) Amount {
	if d.IsZero() {
		return Amount{}
	}
	return Amount{d: decimal.NewFromBigInt(d.BigInt(), 0)}
}

// Wei returns n wei.
func Wei(n uint64) Amount {
	return canonical(decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0))
}

// ParseAmount parses a decimal wei count.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return fromWei(d, s)
}

// ParseEther converts a decimal ether string such as "0.01" into wei.
// The conversion is exact: a value finer than one wei is an error.
func ParseEther(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return fromWei(d.Shift(EtherDecimals), s)
}

func fromWei(d decimal.Decimal, raw string) (Amount, error) {
	switch {
	case d.IsNegative():
		return Amount{}, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, raw)
	case !d.IsInteger():
		return Amount{}, fmt.Errorf("%w: %q is not a whole number of wei", ErrInvalidAmount, raw)
	case d.GreaterThan(maxUint256):
		return Amount{}, fmt.Errorf("%w: %q exceeds 2^256-1 wei", ErrInvalidAmount, raw)
	}
	return canonical(d), nil
}

// Ether renders a as a decimal ether string without trailing zeros.
func (a Amount) Ether() string {
	return a.d.Shift(-EtherDecimals).String()
}

// Gwei returns a in whole gwei, dropping any sub-gwei remainder.
func (a Amount) Gwei() int64 {
	return a.d.Shift(-9).IntPart()
}

func (a Amount) Add(b Amount) Amount {
	return canonical(a.d.Add(b.d))
}

// Sub returns a-b. It panics if b is greater than a.
func (a Amount) Sub(b Amount) Amount {
	if a.d.LessThan(b.d) {
		panic(fmt.Sprintf("chain: amount underflow %s - %s", a, b))
	}
	return canonical(a.d.Sub(b.d))
}

// Mul returns a*n.
func (a Amount) Mul(n uint64) Amount {
	return canonical(a.d.Mul(Wei(n).d))
}

func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

func (a Amount) String() string {
	return a.d.String()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
		}
		data = []byte(s)
	}
	v, err := ParseAmount(string(data))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
