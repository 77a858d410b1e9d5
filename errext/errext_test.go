/*
 *
 * k6 - a next-generation load testing tool
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

package errext

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6bidi/errext/exitcodes"
)

func TestWithHint(t *testing.T) {
	t.Parallel()

	assert.Nil(t, WithHint(nil, "hint"))

	base := errors.New("connection refused")
	err := WithHint(base, "is the browser running?")
	require.ErrorIs(t, err, base)

	var herr HasHint
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "is the browser running?", herr.Hint())

	wrapped := WithHint(fmt.Errorf("dial: %w", err), "check --url")
	require.True(t, errors.As(wrapped, &herr))
	assert.Equal(t, "check --url (is the browser running?)", herr.Hint())
}

func TestWithExitCodeIfNone(t *testing.T) {
	t.Parallel()

	assert.Nil(t, WithExitCodeIfNone(nil, exitcodes.ProtocolError))

	err := WithExitCodeIfNone(errors.New("refused"), exitcodes.ProtocolError)
	assert.Equal(t, exitcodes.ProtocolError, ExitCodeOf(err, exitcodes.GenericError))

	err = WithExitCodeIfNone(fmt.Errorf("outer: %w", err), exitcodes.CommandTimeout)
	assert.Equal(t, exitcodes.ProtocolError, ExitCodeOf(err, exitcodes.GenericError))

	assert.Equal(t, exitcodes.GenericError, ExitCodeOf(errors.New("plain"), exitcodes.GenericError))
}

func TestFormat(t *testing.T) {
	t.Parallel()

	msg, fields := Format(nil)
	assert.Empty(t, msg)
	assert.Nil(t, fields)

	err := WithExitCodeIfNone(WithHint(errors.New("boom"), "try again"), exitcodes.TransportFailure)
	msg, fields = Format(err)
	assert.Equal(t, "boom", msg)
	assert.Equal(t, map[string]interface{}{
		"hint":      "try again",
		"exit_code": int(exitcodes.TransportFailure),
	}, fields)
}
