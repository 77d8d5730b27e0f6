// Package apperror classifies failures raised while driving a claim through
// the billing pipeline. The kind decides whether the scheduler retries.
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindEligibility Kind = "eligibility"
	KindGeneration  Kind = "generation"
	KindTransient   Kind = "transient"
	KindTerminal    Kind = "terminal"
	KindNotFound    Kind = "not_found"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return newf(KindValidation, op, format, args...)
}

func Generation(op, format string, args ...any) *Error {
	return newf(KindGeneration, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, format, args...)
}

// Eligibility carries every rule violation found for a plan.
func Eligibility(op string, details []string) *Error {
	return &Error{Kind: KindEligibility, Op: op, Message: "insurance plan failed eligibility rules", Details: details}
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Message: "dependency unavailable", Err: err}
}

// Terminal marks err as the final failure of a task whose attempts ran out.
func Terminal(err error, attempts int) *Error {
	return &Error{Kind: KindTerminal, Message: fmt.Sprintf("giving up after %d attempts", attempts), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Unclassified errors are treated as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// DetailsOf returns the details of the outermost classified error.
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// Retryable reports whether another attempt could succeed. Generation errors
// come from missing claim data and fail identically on every attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindGeneration, KindTerminal:
		return false
	}
	return true
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
