// Package errdefs defines the deployment pipeline error taxonomy.
// Workers classify every failure into one of these kinds before
// persisting it, so failure_reason is always "<kind>: <message>".
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind labels the failure category of a pipeline error.
type Kind string

const (
	KindDetection   Kind = "detection"
	KindExtraction  Kind = "extraction"
	KindBuild       Kind = "build"
	KindRuntime     Kind = "runtime"
	KindQueue       Kind = "queue"
	KindPersistence Kind = "persistence"
	KindTimeout     Kind = "timeout"
)

// Error is a classified pipeline error. BuildTail carries the last
// lines of image-build output for build failures; empty otherwise.
type Error struct {
	Kind      Kind
	Message   string
	BuildTail []string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Reason formats the error for the deployment row's failure_reason column.
func (e *Error) Reason() string {
	return e.Error()
}

// Detection reports that no detector produced a Config. Reserved: the
// generic detector always answers, so this should not occur in practice.
func Detection(err error) *Error {
	return wrap(KindDetection, err)
}

// Extraction reports an unreadable or malformed source bundle.
func Extraction(err error) *Error {
	return wrap(KindExtraction, err)
}

// Build reports an image build failure with the build output tail.
func Build(err error, tail []string) *Error {
	e := wrap(KindBuild, err)
	e.BuildTail = tail
	return e
}

// Runtime reports a container start or inspect failure.
func Runtime(err error) *Error {
	return wrap(KindRuntime, err)
}

// Queue reports a receive/delete/send failure. The worker never acks
// after one of these; the message redelivers.
func Queue(err error) *Error {
	return wrap(KindQueue, err)
}

// Persistence reports a deployment store write failure. Retryable.
func Persistence(err error) *Error {
	return wrap(KindPersistence, err)
}

// Timeout reports a per-step deadline overrun.
func Timeout(step string, err error) *Error {
	e := wrap(KindTimeout, err)
	e.Message = fmt.Sprintf("%s: %s", step, e.Message)
	return e
}

func wrap(kind Kind, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of a classified error, or empty for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Tail returns the build output tail attached to err, if any.
func Tail(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.BuildTail
	}
	return nil
}

// IsQueue reports whether err is a queue failure.
func IsQueue(err error) bool { return KindOf(err) == KindQueue }

// IsPersistence reports whether err is a deployment store failure.
func IsPersistence(err error) bool { return KindOf(err) == KindPersistence }

// IsRetryable reports whether the worker should leave the message on
// the queue instead of persisting a terminal failure.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindQueue || k == KindPersistence
}

// TailLines trims raw build output to its last n lines.
func TailLines(output string, n int) []string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
