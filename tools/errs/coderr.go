package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Stable error categories. Handlers map every failure onto one of these
// codes; callers never see driver or stack detail.
const (
	CodeArgs         = 1001 // malformed or missing request fields
	CodeNoPermission = 1002 // actor role not in the required set
	CodeConflict     = 1003 // structural invariant or stale target state
	CodeNotFound     = 1004 // chat / message / member absent
	CodeInternal     = 1005 // relational or cache persistence failure
)

var (
	ErrArgs         = NewCodeError(CodeArgs, "invalid argument")
	ErrNoPermission = NewCodeError(CodeNoPermission, "no permission")
	ErrConflict     = NewCodeError(CodeConflict, "state conflict")
	ErrNotFound     = NewCodeError(CodeNotFound, "record not found")
	ErrInternal     = NewCodeError(CodeInternal, "internal error")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// WrapMsg returns a copy of the category error with detail appended.
// The copy still matches the category under errors.Is.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e.clone()
	if msg != "" || len(kv) > 0 {
		d := toString(msg, kv)
		if ret.Detail == "" {
			ret.Detail = d
		} else {
			ret.Detail += ", " + d
		}
	}
	return ret
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Code extracts the category code, or CodeInternal for untyped errors.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		}
	}
	return sb.String()
}
