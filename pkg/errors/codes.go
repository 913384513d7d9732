package errors

import (
	"fmt"

	cockroacherrors "github.com/cockroachdb/errors"
)

// Code is a numeric error kind, one per failure class named in spec §7.
type Code int

const (
	CodeUnknown Code = iota
	CodeIllegalParams
	CodeMemoryAllocation
	CodeDuplicateKey
	CodeTupleNotFound
	CodeReadOnly
	CodeNoSuchSpace
	CodeNoSuchIndex
	CodeNoSuchFunction
	CodeNoSuchUser
	CodeFieldTypeMismatch
	CodeMsgpackDecode
	CodeWalIO
	CodeXlogGap
	CodeXlogTypeMismatch
	CodeInvalidRunID
	CodeTupleRefOverflow
	CodeSlabExhausted
	CodeCompression
	CodeDecompression
	CodeTxnConflict
	CodeNoActiveTxn
	CodeActiveTxn
	CodeCrossEngineTxn
	CodeNestedStatementLimit
	CodeLoading
	CodeSystem
)

var codeNames = map[Code]string{
	CodeUnknown:              "UNKNOWN",
	CodeIllegalParams:        "ILLEGAL_PARAMS",
	CodeMemoryAllocation:     "MEMORY_ALLOCATION",
	CodeDuplicateKey:         "DUPLICATE_KEY",
	CodeTupleNotFound:        "TUPLE_NOT_FOUND",
	CodeReadOnly:             "READ_ONLY",
	CodeNoSuchSpace:          "NO_SUCH_SPACE",
	CodeNoSuchIndex:          "NO_SUCH_INDEX",
	CodeNoSuchFunction:       "NO_SUCH_FUNCTION",
	CodeNoSuchUser:           "NO_SUCH_USER",
	CodeFieldTypeMismatch:    "FIELD_TYPE_MISMATCH",
	CodeMsgpackDecode:        "MSGPACK_DECODE",
	CodeWalIO:                "WAL_IO",
	CodeXlogGap:              "XLOG_GAP",
	CodeXlogTypeMismatch:     "XLOG_TYPE_MISMATCH",
	CodeInvalidRunID:         "INVALID_RUN_ID",
	CodeTupleRefOverflow:     "TUPLE_REF_OVERFLOW",
	CodeSlabExhausted:        "SLAB_EXHAUSTED",
	CodeCompression:          "COMPRESSION",
	CodeDecompression:        "DECOMPRESSION",
	CodeTxnConflict:          "TXN_CONFLICT",
	CodeNoActiveTxn:          "NO_ACTIVE_TXN",
	CodeActiveTxn:            "ACTIVE_TXN",
	CodeCrossEngineTxn:       "CROSS_ENGINE_TXN",
	CodeNestedStatementLimit: "NESTED_STATEMENT_LIMIT",
	CodeLoading:              "LOADING",
	CodeSystem:               "SYSTEM",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// Coded is implemented by every error type in this package, including the
// legacy struct errors in errors.go, so CodeOf can dispatch uniformly.
type Coded interface {
	error
	Code() Code
}

// taggedError is the generic {code, message, cause} error used by New/Wrap
// for call sites that don't need a dedicated struct type.
type taggedError struct {
	code  Code
	msg   string
	cause error
}

func (e *taggedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *taggedError) Unwrap() error { return e.cause }
func (e *taggedError) Code() Code    { return e.code }

// New builds a Coded error with a printf-style message, annotated with a
// stack trace via cockroachdb/errors.
func New(code Code, format string, args ...any) error {
	return cockroacherrors.WithStack(&taggedError{code: code, msg: fmt.Sprintf(format, args...)})
}

// Wrap annotates cause with a code and message, keeping cause reachable via
// errors.Is/As.
func Wrap(cause error, code Code, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return cockroacherrors.WithStack(&taggedError{code: code, msg: fmt.Sprintf(format, args...), cause: cause})
}

// CodeOf extracts the Code carried by err, walking the cause chain, and
// returns CodeUnknown if none of the wrapped errors are Coded.
func CodeOf(err error) Code {
	var c Coded
	if cockroacherrors.As(err, &c) {
		return c.Code()
	}
	return CodeUnknown
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
