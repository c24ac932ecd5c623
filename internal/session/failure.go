package session

import (
	"errors"
	"fmt"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/plugin"
	"pkt.systems/harmonyd/internal/strategy"
)

// Failure codes carried in the Code field of FAIL replies.
const (
	CodeNotRegistered         = "not_registered"
	CodeNotJoined             = "not_joined"
	CodeUnknownSession        = "unknown_session"
	CodeIncompatibleSignature = "incompatible_signature"
	CodeSessionStart          = "session_start"
	CodeUnknownKey            = "unknown_key"
	CodeInvalidKey            = "invalid_key"
	CodeStrategy              = "strategy"
	CodePlugin                = "plugin"
	CodeStrategyTimeout       = "strategy_timeout"
	CodeBadRequest            = "bad_request"
	CodeInternal              = "internal"
)

// Failure is a request the engine refused. It becomes a FAIL reply; the
// connection stays open.
type Failure struct {
	Code   string
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return f.Code
	}
	return f.Code + ": " + f.Detail
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether repeating the request may succeed without the
// client changing anything.
func (f *Failure) Retryable() bool {
	return IsRetryable(f.Code)
}

// IsRetryable classifies a failure code.
func IsRetryable(code string) bool {
	switch code {
	case CodeStrategyTimeout, CodeInternal:
		return true
	default:
		return false
	}
}

func failf(code string, format string, args ...any) *Failure {
	return &Failure{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// classify maps chain and store errors onto failure codes.
func classify(err error) *Failure {
	var f *Failure
	switch {
	case err == nil:
		return nil
	case errors.As(err, &f):
		return f
	case errors.Is(err, strategy.ErrTimeout):
		return &Failure{Code: CodeStrategyTimeout, Detail: err.Error(), Err: err}
	case plugin.FromStrategy(err):
		return &Failure{Code: CodeStrategy, Detail: err.Error(), Err: err}
	case errors.Is(err, cfgstore.ErrNotFound):
		return &Failure{Code: CodeUnknownKey, Detail: err.Error(), Err: err}
	case errors.Is(err, cfgstore.ErrInvalidKey):
		return &Failure{Code: CodeInvalidKey, Detail: err.Error(), Err: err}
	}
	var se *plugin.StageError
	if errors.As(err, &se) {
		return &Failure{Code: CodePlugin, Detail: err.Error(), Err: err}
	}
	return &Failure{Code: CodeInternal, Detail: err.Error(), Err: err}
}
