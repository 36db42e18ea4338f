package model

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeiETHConversion(t *testing.T) {
	wei := new(big.Int).Mul(big.NewInt(5), big.NewInt(1e16)) // 0.05 ETH
	eth := WeiToETH(wei)
	assert.True(t, eth.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, wei, ETHToWei(eth))

	assert.True(t, WeiToETH(nil).IsZero())
	assert.Equal(t, "1000000000000000000", ETHToWei(decimal.NewFromInt(1)).String())
}

func TestParseUSD(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"$100.00", "100"},
		{"$1,234.56", "1234.56"},
		{" $0.00 ", "0"},
		{"", "0"},
		{"250", "250"},
	}
	for _, tt := range tests {
		got, err := ParseUSD(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), tt.in)
	}

	_, err := ParseUSD("$abc")
	assert.Error(t, err)
}

func TestParseETH(t *testing.T) {
	v, err := ParseETH("1.5 ETH")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.RequireFromString("1.5")))

	_, err = ParseETH("")
	assert.Error(t, err)
}

func TestETHToUSD(t *testing.T) {
	rate := decimal.NewFromInt(2410)
	usd := ETHToUSD(decimal.RequireFromString("0.05"), rate)
	assert.Equal(t, "$120.50", FormatUSD(usd))
	assert.Equal(t, "$0.00", FormatUSD(decimal.Zero))
	assert.Equal(t, "$1234.57", FormatUSD(decimal.RequireFromString("1234.567")))
}
