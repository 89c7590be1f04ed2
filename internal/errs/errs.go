// Package errs defines the typed error taxonomy used across the core
// packages. Errors propagate as *errs.Error values (or wrap one via %w)
// until they reach an HTTP boundary, where Kind maps to a status code.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independent of any particular transport.
type Kind string

const (
	KindNotFound      Kind = "NotFound"
	KindAlreadyExists Kind = "AlreadyExists"
	KindForbidden     Kind = "Forbidden"
	KindValidation    Kind = "Validation"
	KindUnauthorized  Kind = "Unauthorized"
	KindGitClone      Kind = "GitClone"
	KindGitWorktree   Kind = "GitWorktree"
	KindGitDiff       Kind = "GitDiff"
	KindGitCommit     Kind = "GitCommit"
	KindGitPush       Kind = "GitPush"
	KindAgentNotFound Kind = "AgentNotFound"
	KindSession       Kind = "Session"
	KindNotification  Kind = "Notification"
	KindInternal      Kind = "Internal"
)

// Error is a typed error carrying a Kind and an underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error. Returns KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code used at the HTTP boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound, KindAgentNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindGitClone, KindGitWorktree, KindGitDiff, KindGitCommit, KindGitPush, KindSession, KindNotification:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
