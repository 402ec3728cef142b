package provider

import (
	"errors"
	"fmt"

	"stockwatch/internal/model"
)

// ErrInvalidRequest 表示调用参数不合法，此时不会启动外部进程。
var ErrInvalidRequest = errors.New("invalid provider request")

// ErrEmptyOutput 表示进程正常退出但没有任何输出，按解析失败处理。
var ErrEmptyOutput = errors.New("empty provider output")

// Kind 是外部数据源调用失败的类型。
type Kind int

const (
	// KindTimeout 调用超时，进程组已被强制终止。
	KindTimeout Kind = iota + 1
	// KindParseFailure 输出不是合法的 JSON 或结构不符。
	KindParseFailure
	// KindProcessFailure 进程以非零状态退出或无法启动。
	KindProcessFailure
)

// String 返回与运行报告一致的错误类型名称。
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return model.KindTimeout
	case KindParseFailure:
		return model.KindParseFailure
	case KindProcessFailure:
		return model.KindProcessFailure
	default:
		return "unknown"
	}
}

// maxDiagnostic 限制附带的原始输出长度。
const maxDiagnostic = 4096

// GatewayError 是外部数据源调用的结构化错误。
type GatewayError struct {
	Kind     Kind
	Op       string // availability / stores
	Stderr   string // 进程的错误输出（ProcessFailure）
	Raw      string // 原始标准输出（ParseFailure）
	ExitCode int
	Err      error
}

func (e *GatewayError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("provider %s: timed out", e.Op)
	case KindParseFailure:
		return fmt.Sprintf("provider %s: parse output: %v", e.Op, e.Err)
	case KindProcessFailure:
		if e.Stderr != "" {
			return fmt.Sprintf("provider %s: exit %d: %s", e.Op, e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("provider %s: process failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// KindOf 返回错误链中 GatewayError 的类型，不存在时返回 0。
func KindOf(err error) Kind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return 0
}

func truncate(s string) string {
	if len(s) <= maxDiagnostic {
		return s
	}
	return s[:maxDiagnostic] + "...(truncated)"
}
