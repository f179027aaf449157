/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by calls issued after the connection
	// has been torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTargetClosed is wrapped by the protocol errors that fail pending
	// calls when their connection or session goes away.
	ErrTargetClosed = errors.New("target closed")

	// ErrSessionClosed is wrapped by the protocol errors returned for calls
	// issued on an already detached session.
	ErrSessionClosed = errors.New("session closed")

	// ErrFrameNotFound is returned when a sub-frame navigation references a
	// frame that is not tracked.
	ErrFrameNotFound = errors.New("we either navigate top level or have old version of the navigated frame")

	// ErrInterceptionDisabled is returned when deciding the fate of a
	// request that was not intercepted on behalf of the user.
	ErrInterceptionDisabled = errors.New("request interception is not enabled")

	// ErrRequestHandled is returned when an intercepted request was already
	// continued, fulfilled or aborted.
	ErrRequestHandled = errors.New("request is already handled")

	// ErrRedirectResponseBody is the terminal body outcome of a response that
	// redirected.
	ErrRedirectResponseBody = errors.New("Response body is unavailable for redirect response") //nolint:stylecheck
)

// ProtocolError is a failure reported for a single protocol call, either by
// the remote side or synthesized locally on teardown.
type ProtocolError struct {
	Method  string
	Message string
	Data    string

	// err is ErrTargetClosed or ErrSessionClosed when synthesized locally.
	err error
}

func newTargetClosedError(method string) *ProtocolError {
	return &ProtocolError{
		Method:  method,
		Message: "Target closed.",
		err:     ErrTargetClosed,
	}
}

func newSessionClosedError(method, targetType string) *ProtocolError {
	return &ProtocolError{
		Method:  method,
		Message: fmt.Sprintf("Session closed. Most likely the %s has been closed.", targetType),
		err:     ErrSessionClosed,
	}
}

// Error renders the error the same way the browser tooling does, e.g.
// "Protocol error (Page.navigate): Cannot navigate to invalid URL".
func (e *ProtocolError) Error() string {
	if errors.Is(e.err, ErrTargetClosed) {
		return fmt.Sprintf("Protocol error %s: %s", e.Method, e.Message)
	}
	msg := fmt.Sprintf("Protocol error (%s): %s", e.Method, e.Message)
	if e.Data != "" {
		msg += " " + e.Data
	}
	return msg
}

// Unwrap returns the local cause, if any.
func (e *ProtocolError) Unwrap() error {
	return e.err
}

// Remote reports whether the error was sent by the browser rather than
// synthesized during teardown.
func (e *ProtocolError) Remote() bool {
	return e.err == nil
}
