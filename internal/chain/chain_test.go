package chain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressChecksum(t *testing.T) {
	// EIP-55 reference vectors
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, v := range vectors {
		t.Run(v, func(t *testing.T) {
			a, err := ParseAddress(strings.ToLower(v))
			require.NoError(t, err)
			assert.Equal(t, v, a.Hex())

			again, err := ParseAddress(v)
			require.NoError(t, err)
			assert.Equal(t, a, again)
		})
	}
}

func TestParseAddressErrors(t *testing.T) {
	_, err := ParseAddress("0x1234")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParseAddress("0xzz" + strings.Repeat("0", 38))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	// flip the case of one letter in a checksummed address
	_, err = ParseAddress("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	assert.ErrorIs(t, err, ErrInvalidChecksum)

	upper, err := ParseAddress("0X5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", upper.Hex())
}

func TestAddressJSON(t *testing.T) {
	a := MustParseAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	data, err := json.Marshal(map[string]Address{"account": a})
	require.NoError(t, err)
	assert.JSONEq(t, `{"account":"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"}`, string(data))

	var decoded map[string]Address
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, a, decoded["account"])
	assert.True(t, ZeroAddress.IsZero())
	assert.False(t, a.IsZero())
}

func TestParseEther(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0.01", "10000000000000000"},
		{"1", "1000000000000000000"},
		{"1.5", "1500000000000000000"},
		{"0.000000000000000001", "1"},
		{"0", "0"},
		{".25", "250000000000000000"},
		{"20", "20000000000000000000"},
		{"100", "100000000000000000000"},
		{"120000000", "120000000000000000000000000"},
	}
	for _, tc := range cases {
		got, err := ParseEther(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got.String(), tc.in)
	}

	for _, bad := range []string{"", ".", "abc", "-1", "0.0000000000000000001"} {
		_, err := ParseEther(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestParseAmountBounds(t *testing.T) {
	maxWei := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	a, err := ParseAmount(maxWei)
	require.NoError(t, err)
	assert.Equal(t, maxWei, a.String())

	_, err = ParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639936")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ParseAmount("1.5")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ParseAmount("-3")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAmountEther(t *testing.T) {
	assert.Equal(t, "0.01", Wei(10_000_000_000_000_000).Ether())
	assert.Equal(t, "1.5", Wei(1_500_000_000_000_000_000).Ether())
	assert.Equal(t, "0", Amount{}.Ether())
	assert.Equal(t, "0.000000000000000001", Wei(1).Ether())
}

func TestAmountArithmetic(t *testing.T) {
	assert.Equal(t, Wei(15), Wei(10).Add(Wei(5)))
	assert.Equal(t, Wei(5), Wei(10).Sub(Wei(5)))
	assert.Equal(t, Amount{}, Wei(10).Sub(Wei(10)))
	assert.Equal(t, Wei(30), Wei(10).Mul(3))
	assert.True(t, Wei(0).IsZero())
	assert.Equal(t, -1, Wei(1).Cmp(Wei(2)))
	assert.Panics(t, func() { Wei(1).Sub(Wei(2)) })

	// sums past the uint64 range stay exact
	oneEther, err := ParseEther("1")
	require.NoError(t, err)
	var custody Amount
	for i := 0; i < 50; i++ {
		custody = custody.Add(oneEther)
	}
	assert.Equal(t, "50", custody.Ether())
	assert.Equal(t, oneEther.Mul(50), custody)
	assert.Equal(t, int64(50_000_000_000), custody.Gwei())
}

func TestAmountJSON(t *testing.T) {
	data, err := json.Marshal(Wei(10_000_000_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, `"10000000000000000"`, string(data))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"42"`), &a))
	assert.Equal(t, Wei(42), a)
	require.NoError(t, json.Unmarshal([]byte(`7`), &a))
	assert.Equal(t, Wei(7), a)
	require.NoError(t, json.Unmarshal([]byte(`"18446744073709551616"`), &a))
	assert.Equal(t, "18446744073709551616", a.String())

	assert.Error(t, json.Unmarshal([]byte(`1.5`), &a))
	assert.Error(t, json.Unmarshal([]byte(`"-1"`), &a))
}
