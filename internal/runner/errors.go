package runner

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaybird/syncd/internal/outcome"
)

// Sentinel step failures. Step executors wrap them (or return a StepError)
// so the runner can count the failure under the right tally.
var (
	// ErrAuth means the service rejected the credentials or revoked access.
	ErrAuth = errors.New("authentication failed")
	// ErrParse means the response violated the expected contract.
	ErrParse = errors.New("malformed response")
	// ErrIO means a transient network or server failure.
	ErrIO = errors.New("network failure")
)

// ErrorClass is the retry classification of a step failure.
type ErrorClass int

const (
	ClassIO ErrorClass = iota
	ClassAuth
	ClassParse
)

func (c ErrorClass) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassParse:
		return "parse"
	default:
		return "io"
	}
}

// StepError carries an explicit classification for a step failure.
type StepError struct {
	Class ErrorClass
	Err   error
}

func (e *StepError) Error() string {
	if e == nil || e.Err == nil {
		return e.Class.String() + " error"
	}
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// AuthError marks err as a permanent credential failure.
func AuthError(err error) error { return &StepError{Class: ClassAuth, Err: err} }

// ParseError marks err as a permanent contract failure.
func ParseError(err error) error { return &StepError{Class: ClassParse, Err: err} }

// IOError marks err as transient.
func IOError(err error) error { return &StepError{Class: ClassIO, Err: err} }

// Classify maps a step failure to its class. Anything not recognized as an
// auth or parse failure is treated as transient.
func Classify(err error) ErrorClass {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Class
	}
	switch {
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrParse):
		return ClassParse
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassParse
	}
	return ClassIO
}

// recordError counts err in res and appends its text to the message.
func recordError(res *outcome.Result, err error) {
	switch Classify(err) {
	case ClassAuth:
		res.IncAuthErrors()
	case ClassParse:
		res.IncParseErrors()
	default:
		res.IncIOErrors()
	}
	res.AppendMessage(err.Error())
}

// panicError wraps a recovered step panic. It counts as a parse failure so
// the command is not retried.
func panicError(p any) error {
	return ParseError(fmt.Errorf("step panicked: %v", p))
}
