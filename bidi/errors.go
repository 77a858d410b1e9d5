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

package bidi

import (
	"errors"
	"fmt"
	"time"

	"github.com/liuxd6825/k6bidi/errext"
	"github.com/liuxd6825/k6bidi/errext/exitcodes"
)

// ErrConnectionClosed is wrapped by the TransportError every pending and
// future command gets once the connection has been closed locally.
var ErrConnectionClosed = errors.New("connection closed")

var (
	_ errext.HasHint = &TransportError{}
	_ errext.HasHint = &TimeoutError{}
	_ errext.HasHint = &ProtocolError{}

	_ errext.HasExitCode = &TransportError{}
	_ errext.HasExitCode = &TimeoutError{}
	_ errext.HasExitCode = &ProtocolError{}
)

// TransportError reports that the underlying connection is gone or could not
// carry a frame. It is fatal to every command pending on that connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Hint implements errext.HasHint.
func (e *TransportError) Hint() string {
	return "the connection to the browser was lost, it has to be re-established"
}

// ExitCode implements errext.HasExitCode.
func (e *TransportError) ExitCode() exitcodes.ExitCode {
	return exitcodes.TransportFailure
}

// DecodeError is a malformed inbound frame. It unwraps to a TransportError
// so callers matching transport failures also match it.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding frame %q: %v", truncate(e.Frame, 128), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return &TransportError{Op: "decode", Err: e.Err}
}

// ProtocolError is an explicit error reply from the peer for one command.
// It only affects the command it answers.
type ProtocolError struct {
	ID         int64
	Method     string
	Code       string
	Message    string
	Stacktrace string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (id %d): %s", e.Method, e.ID, e.Code)
	}
	return fmt.Sprintf("%s (id %d): %s: %s", e.Method, e.ID, e.Code, e.Message)
}

// Hint implements errext.HasHint.
func (e *ProtocolError) Hint() string {
	return fmt.Sprintf("the browser refused the %q command", e.Method)
}

// ExitCode implements errext.HasExitCode.
func (e *ProtocolError) ExitCode() exitcodes.ExitCode {
	return exitcodes.ProtocolError
}

// TimeoutError is returned when no reply arrived within the command timeout.
// The command is deregistered, so a later reply is dropped.
type TimeoutError struct {
	ID     int64
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d) timed out after %s", e.Method, e.ID, e.After)
}

// Hint implements errext.HasHint.
func (e *TimeoutError) Hint() string {
	return "you can increase the time limit via the timeout option"
}

// ExitCode implements errext.HasExitCode.
func (e *TimeoutError) ExitCode() exitcodes.ExitCode {
	return exitcodes.CommandTimeout
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
