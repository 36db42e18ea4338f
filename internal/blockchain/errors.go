package blockchain

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrNoHealthyRPC = errors.New("no healthy RPC endpoint available")
	ErrTxNotFound   = errors.New("transaction not found")
	ErrTxFailed     = errors.New("transaction failed")
)

// revertErrorCode geth 对 execution reverted 返回的 JSON-RPC 错误码
const revertErrorCode = 3

var nonceConflictMarkers = []string{
	"nonce too low",
	"nonce too high",
	"already known",
	"replacement transaction underpriced",
	"known transaction",
	"invalid nonce",
}

// IsRevert 调用被合约拒绝, 重试无意义
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertErrorCode {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "revert") ||
		strings.Contains(msg, "invalid opcode")
}

// IsNonceConflict 广播时 nonce 与链上状态冲突
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonceConflictMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTransient 网络/节点类错误, 可退避重试
// 无法确认语义的错误一律按瞬时处理, 不能当作"不存在"
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsRevert(err) || IsNonceConflict(err) {
		return false
	}
	return true
}

// isEndpointFailure 是否应切换 RPC 端点
func isEndpointFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNoHealthyRPC) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "timeout")
}
