package errors

import "sync"

// Code 是跨包共享的错误码，业务包在 init 中注册自己的错误码。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind 对错误进行粗粒度分类，API 层据此映射 HTTP 状态码。
type Kind string

const (
	KindValidation Kind = "validation"
	KindState      Kind = "state"
	KindNotFound   Kind = "not_found"
	KindExternal   Kind = "external"
	KindInternal   Kind = "internal"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	Message   string
	Kind      Kind
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 基础错误码，与具体业务无关。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeExternalFailure       Code = "EXTERNAL_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var registry = struct {
	sync.RWMutex
	attrs map[Code]Attributes
}{attrs: make(map[Code]Attributes)}

func init() {
	Register(CodeUnknown, Attributes{Message: "unknown error", Kind: KindInternal, Severity: SeverityCritical, Alert: true})
	Register(CodeInvalidArgument, Attributes{Message: "invalid argument", Kind: KindValidation, Severity: SeverityInfo})
	Register(CodeInitializationFailure, Attributes{Message: "component not initialised", Severity: SeverityWarning, Retryable: true, Alert: true})
	Register(CodeStorageFailure, Attributes{Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true})
	Register(CodeExternalFailure, Attributes{Message: "external dependency failure", Kind: KindExternal, Severity: SeverityWarning, Retryable: true, Alert: true})
	Register(CodeTimeout, Attributes{Message: "operation timed out", Kind: KindExternal, Severity: SeverityWarning, Retryable: true, Alert: true})
}

// Register 登记错误码的默认属性，未指定 Kind 时归为内部错误。
func Register(code Code, attr Attributes) {
	if attr.Kind == "" {
		attr.Kind = KindInternal
	}
	registry.Lock()
	registry.attrs[code] = attr
	registry.Unlock()
}

// AttributesOf 返回错误码的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registry.RLock()
	defer registry.RUnlock()
	if attr, ok := registry.attrs[code]; ok {
		return attr
	}
	return registry.attrs[CodeUnknown]
}
