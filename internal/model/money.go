package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ETHDecimals 1 ETH = 10^18 wei
const ETHDecimals = 18

// WeiToETH wei 转 ETH
func WeiToETH(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -ETHDecimals)
}

// ETHToWei ETH 转 wei, 超出 18 位的小数截断
func ETHToWei(eth decimal.Decimal) *big.Int {
	return eth.Shift(ETHDecimals).Truncate(0).BigInt()
}

// ParseETH 解析 ETH 数量, 允许 "1.5" 或 "1.5 ETH"
func ParseETH(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "ETH"))
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty eth amount")
	}
	return decimal.NewFromString(s)
}

// ParseUSD 解析 "$1,234.56" 格式的金额, 空串视为 0
func ParseUSD(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// FormatUSD 格式化为 "$%.2f"
func FormatUSD(v decimal.Decimal) string {
	return "$" + v.StringFixed(2)
}

// ETHToUSD 按固定汇率折算并保留两位小数
func ETHToUSD(eth decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	return eth.Mul(rate).Round(2)
}
