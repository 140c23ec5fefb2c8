// Package apperr 定义错误分类
//
// 执行层（harness / worker）在边界处为错误打上 Kind，
// 重试策略只依据 Kind 决定是否重试，从不解析错误文本。
package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
)

// Kind 错误类别
type Kind string

const (
	// KindValidation 输入非法，同步返回给调用方，从不重试
	KindValidation Kind = "validation"
	// KindInvalidTransition 存储层状态守卫拒绝了更新
	KindInvalidTransition Kind = "invalid_transition"
	// KindTransient 网络/超时/IO 等基础设施瞬时故障，可重试
	KindTransient Kind = "transient"
	// KindExecution harness 报告失败且没有可用结果
	KindExecution Kind = "execution"
	// KindConfiguration 部署/配置错误（可执行文件缺失、权限不足等）
	KindConfiguration Kind = "configuration"
	// KindDecode 结果产物无法解析（仅用于记录，解码器本身从不失败）
	KindDecode Kind = "decode"
)

// Error 带分类的错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建带分类的错误
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 创建带分类的格式化错误
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validation 快捷构造
func Validation(op, format string, args ...any) *Error {
	return Errorf(KindValidation, op, format, args...)
}

// ErrInvalidTransition 状态迁移违反单调性
var ErrInvalidTransition = errors.New("invalid status transition")

// KindOf 返回错误的分类
//
// 显式标注的 *Error 优先；未标注的错误按类型归类：
// 超时、网络错误、文件系统错误、连接中断归为 KindTransient。
// nil 返回空字符串。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, ErrInvalidTransition) {
		return KindInvalidTransition
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, driver.ErrBadConn) {
		return KindTransient
	}

	return KindExecution
}

// IsRetryable 判断错误是否属于可重试类别
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
