// Package idmap 链下数字字符串 id 与链上 uint256 projectId 的规范映射
package idmap

import (
	"strconv"
	"strings"

	"github.com/pharovest/pharovest-chain/pkg/errors"
)

// Map 将链下 id 转为链上 projectId
// 仅去除首尾空白, 任何非数字字符都会被拒绝
func Map(offChainID string) (uint64, error) {
	s := strings.TrimSpace(offChainID)
	if s == "" {
		return 0, errors.ErrInvalidID.WithDetail("id", offChainID).WithMessagef("empty project id")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.ErrInvalidID.WithDetail("id", offChainID).WithMessagef("project id %q is not numeric", offChainID)
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidID, err, "project id %q out of range", offChainID)
	}
	return v, nil
}

// Format 链上 projectId 的规范字符串形式
func Format(onChainID uint64) string {
	return strconv.FormatUint(onChainID, 10)
}

// Canonical 规范化链下 id, 去空白与前导零
func Canonical(offChainID string) (string, error) {
	v, err := Map(offChainID)
	if err != nil {
		return "", err
	}
	return Format(v), nil
}

// Less 按数值比较两个规范 id
func Less(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
