package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	newErr.Details[key] = value
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	newErr := e.Copy()
	newErr.Message = fmt.Sprintf(format, args...)
	return newErr
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		Cause:      e.Cause,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// MarshalJSON 实现 json.Marshaler
func (e *Error) MarshalJSON() ([]byte, error) {
	type Alias Error
	return json.Marshal(&struct {
		*Alias
		Error string `json:"error,omitempty"`
	}{
		Alias: (*Alias)(e),
		Error: e.Error(),
	})
}

// NewWithStatus 创建带状态码的错误
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// Wrapf 包装错误并添加信息
func Wrapf(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	return newErr
}

// FromError 从标准错误转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// 通用错误码
var (
	ErrInternal       = NewWithStatus("INTERNAL_ERROR", "internal error", http.StatusInternalServerError, codes.Internal)
	ErrInvalidRequest = NewWithStatus("INVALID_REQUEST", "invalid request", http.StatusBadRequest, codes.InvalidArgument)
	ErrNotFound       = NewWithStatus("NOT_FOUND", "resource not found", http.StatusNotFound, codes.NotFound)
	ErrConflict       = NewWithStatus("CONFLICT", "resource conflict", http.StatusConflict, codes.AlreadyExists)
	ErrCanceled       = NewWithStatus("CANCELED", "operation canceled", 499, codes.Canceled)
)

// 对账错误分类
var (
	// ErrInvalidID 链下 id 不是合法数字串
	ErrInvalidID = NewWithStatus("INVALID_ID", "invalid project id", http.StatusBadRequest, codes.InvalidArgument)
	// ErrProjectNotFound 一侧确认不存在
	ErrProjectNotFound = NewWithStatus("PROJECT_NOT_FOUND", "project not found", http.StatusNotFound, codes.NotFound)
	// ErrTransientRPC 可重试的 RPC/网络错误
	ErrTransientRPC = NewWithStatus("TRANSIENT_RPC_ERROR", "transient rpc error", http.StatusBadGateway, codes.Unavailable)
	// ErrEstimationFailed 交易会 revert, 不修改载荷就不可重试
	ErrEstimationFailed = NewWithStatus("ESTIMATION_FAILED", "gas estimation failed", http.StatusUnprocessableEntity, codes.FailedPrecondition)
	// ErrNonceConflict 重新排队后可重试
	ErrNonceConflict = NewWithStatus("NONCE_CONFLICT", "nonce conflict", http.StatusConflict, codes.Aborted)
	// ErrPersistence 链下写入失败
	ErrPersistence = NewWithStatus("PERSISTENCE_ERROR", "off-chain write failed", http.StatusInternalServerError, codes.Internal)
	// ErrTxReverted 交易上链但执行失败
	ErrTxReverted = NewWithStatus("TX_REVERTED", "transaction reverted", http.StatusUnprocessableEntity, codes.FailedPrecondition)
)

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 提取错误类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Message
	}
	return err.Error()
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound) || Is(err, ErrProjectNotFound)
}

// IsRetryable 只有瞬时 RPC 错误和 nonce 冲突可重试
func IsRetryable(err error) bool {
	return Is(err, ErrTransientRPC) || Is(err, ErrNonceConflict)
}
