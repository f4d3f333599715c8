package joinstr

import (
	"errors"
	"fmt"
)

// Code identifies the failure class of a public operation. Every internal
// failure is mapped to exactly one code before it crosses the boundary.
// Values are positional and shared with the existing C bindings, do not
// reorder.
type Code int32

const (
	CodeNone Code = iota
	CodeTokio
	CodeCastString
	CodeJson
	CodeCString
	CodeListPools
	CodeListCoins
	CodeInitiateConjoin
	CodeSerdeJson
	CodePoolConfig
	CodePeerConfig
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeTokio:
		return "runtime"
	case CodeCastString:
		return "cast_string"
	case CodeJson:
		return "json"
	case CodeCString:
		return "cstring"
	case CodeListPools:
		return "list_pools"
	case CodeListCoins:
		return "list_coins"
	case CodeInitiateConjoin:
		return "initiate_coinjoin"
	case CodeSerdeJson:
		return "serde_json"
	case CodePoolConfig:
		return "pool_config"
	case CodePeerConfig:
		return "peer_config"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by the boundary operations.
type Error struct {
	code  Code
	cause error
}

func newError(code Code, cause error) *Error {
	return &Error{code: code, cause: cause}
}

func errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{code: code, cause: fmt.Errorf(format, args...)}
}

func (e *Error) Code() Code {
	return e.code
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %s", e.code, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// codeOf extracts the boundary code from err, falling back to the given
// code for failures raised by collaborators that do not carry one.
func codeOf(err error, fallback Code) Code {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr.code
	}
	return fallback
}
