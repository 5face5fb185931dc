// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ksierr defines the daemon's error taxonomy: a small set of stable
// codes shared by every component, carried in the response envelope's
// error.code field.
package ksierr

import "fmt"

// Code is one of the stable error codes surfaced to clients.
type Code string

const (
	BadJSON            Code = "BAD_JSON"
	BadRequest         Code = "BAD_REQUEST"
	NotFound           Code = "NOT_FOUND"
	PermissionDenied   Code = "PERMISSION_DENIED"
	Timeout            Code = "TIMEOUT"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	ConnectionError    Code = "CONNECTION_ERROR"
	TransformerLoop    Code = "TRANSFORMER_LOOP"
	FrameTooLarge      Code = "FRAME_TOO_LARGE"
	Internal           Code = "INTERNAL"
)

// Error is a classified daemon error. It carries a stable Code alongside a
// human-readable message and optional structured details (truncated stderr,
// a debug-mode stack trace, ...).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an existing cause, classifying it under code.
func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails attaches structured details and returns the same Error for
// chaining at the construction site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As reports whether err is (or wraps) a *Error, and if so returns it.
func As(err error) (*Error, bool) {
	var ke *Error
	if err == nil {
		return nil, false
	}
	if ke, ok := err.(*Error); ok {
		return ke, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if ke, ok = err.(*Error); ok {
			return ke, true
		}
	}
	return nil, false
}

// CodeOf returns the classified code for err, defaulting to Internal when
// err is not a *Error.
func CodeOf(err error) Code {
	if ke, ok := As(err); ok {
		return ke.Code
	}
	return Internal
}
