// Package errors 提供带错误码的统一错误类型，errors.Is 按错误码匹配。
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Error 携带错误码、可选的底层错误与元数据。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string

	// 非 nil 时覆盖错误码的默认属性。
	retryable *bool
	severity  *Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加一对键值，例如 session_id。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithSeverity 覆盖错误码默认的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建错误，message 为空时使用错误码的默认信息。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 与 New 相同，但保留底层错误供 errors.Is/As 使用。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 在错误码相同时返回 true。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 视为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码与底层错误的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) attributes() Attributes { return AttributesOf(e.Code()) }

// Retryable 报告调用方是否值得重试。
func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return e.attributes().Retryable
	}
}

// Severity 返回严重程度。
func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != nil:
		return *e.severity
	default:
		return e.attributes().Severity
	}
}

// Kind 返回错误分类。
func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.attributes().Kind
}

// From 沿错误链查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链上第一个 *Error 的错误码。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// KindOf 返回错误分类，普通错误视为内部错误。
func KindOf(err error) Kind {
	e, _ := From(err)
	return e.Kind()
}

// RetryableError 报告任意错误是否可重试，普通错误不可重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断是否需要触发告警，普通错误一律告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.attributes().Alert
	}
	return err != nil
}

// SeverityOf 返回严重程度，普通错误按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
