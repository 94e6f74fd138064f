package fetcher

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Match them with errors.Is.
var (
	// ErrRateLimited means the provider quota is exhausted. Never retried within a cycle.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrProvider covers transport failures, non-2xx statuses and success=false envelopes.
	ErrProvider = errors.New("provider error")
	// ErrEmptyResult means the envelope succeeded without any usable rate.
	ErrEmptyResult = errors.New("no rate data returned")
)

// Error is a classified provider failure.
type Error struct {
	Kind   error
	Status int
	Code   int
	Info   string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	switch {
	case e.Code != 0:
		fmt.Fprintf(&b, ": [%d] %s", e.Code, e.Info)
	case e.Info != "":
		b.WriteString(": ")
		b.WriteString(e.Info)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the failure kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether err may be retried within the same sync cycle.
func Retriable(err error) bool {
	return err != nil && !errors.Is(err, ErrRateLimited)
}
