package e621

import (
	"errors"
	"fmt"
)

// Kind 为错误类别，三者互斥。
type Kind int

const (
	// KindInternal 表示调用方参数不合法，未发出请求。
	KindInternal Kind = iota + 1
	// KindNetwork 表示传输失败、非 2xx 状态、空响应或超时。
	KindNetwork
	// KindDeserialization 表示响应可达但无法解析为预期结构。
	KindDeserialization
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindNetwork:
		return "network"
	case KindDeserialization:
		return "deserialization"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error 为客户端返回的唯一错误类型；Content 保留原始响应正文便于诊断。
type Error struct {
	Kind    Kind
	Msg     string
	Status  int
	Content string
	Err     error
}

func (e *Error) Error() string {
	s := e.Kind.String() + ": " + e.Msg
	if e.Status != 0 {
		s += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind 报告 err 链中是否存在指定类别的 *Error。
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// KindOf 返回 err 链中 *Error 的类别，不存在时返回 0。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func internalErr(msg string) *Error { return &Error{Kind: KindInternal, Msg: msg} }
