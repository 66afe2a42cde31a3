package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNonce 交易所拒绝 nonce（"nonce: small"），只有撤单重建路径会重试
	ErrNonce = errors.New("nonce too small")
	// ErrUnsupported 客户端不支持该能力（改单降级用）
	ErrUnsupported = errors.New("operation not supported by exchange client")
	// ErrOrderNotFound 交易所或本地找不到订单
	ErrOrderNotFound = errors.New("order not found")
)

// ValidationError 参数校验失败，永不重试
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Field, e.Message)
}

// IsValidation 是否参数校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// OrderSubmissionError 交易所拒绝了下单/改单/撤单请求
type OrderSubmissionError struct {
	Op   string
	Text string
}

func (e *OrderSubmissionError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Text)
}

// Is 让 errors.Is(err, ErrNonce) 对交易所 nonce 报错生效
func (e *OrderSubmissionError) Is(target error) bool {
	return target == ErrNonce && isNonceText(e.Text)
}

// IsWouldMatch post-only 单会立即成交被拒（预期内，跳过即可）
func IsWouldMatch(err error) bool {
	if err == nil {
		return false
	}
	var se *OrderSubmissionError
	if errors.As(err, &se) {
		return strings.Contains(strings.ToLower(se.Text), "would have matched")
	}
	return strings.Contains(strings.ToLower(err.Error()), "would have matched")
}

// IsNonce nonce 过小
func IsNonce(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonce) {
		return true
	}
	return isNonceText(err.Error())
}

func isNonceText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "nonce") && strings.Contains(s, "small")
}
