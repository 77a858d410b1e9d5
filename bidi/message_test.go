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
	"encoding/json"
	"testing"

	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandWireFormat(t *testing.T) {
	t.Parallel()

	b, err := easyjson.Marshal(Command{
		ID:     1002,
		Method: "browsingContext.create",
		Params: easyjson.RawMessage(`{"type":"tab"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"id":1002,"method":"browsingContext.create","params":{"type":"tab"}}`, string(b))

	b, err = easyjson.Marshal(Command{ID: 1000, Method: "session.new"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":1000,"method":"session.new","params":{}}`, string(b))
}

func TestMessageWireFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  *Message
		want string
	}{
		{
			msg:  NewResponse(1000, easyjson.RawMessage(`{"a":1}`)),
			want: `{"type":"success","id":1000,"result":{"a":1}}`,
		},
		{
			msg:  NewResponse(1001, nil),
			want: `{"type":"success","id":1001,"result":{}}`,
		},
		{
			msg:  NewErrorResponse(1002, "unknown command", "nope"),
			want: `{"type":"error","id":1002,"error":"unknown command","message":"nope"}`,
		},
		{
			msg:  NewErrorResponse(1003, "", "empty code"),
			want: `{"type":"error","id":1003,"error":"","message":"empty code"}`,
		},
		{
			msg:  NewEvent("log.entryAdded", easyjson.RawMessage(`{"text":"hi"}`)),
			want: `{"type":"event","method":"log.entryAdded","params":{"text":"hi"}}`,
		},
	}

	for _, tc := range tests {
		b, err := easyjson.Marshal(tc.msg)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(b))

		decoded, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, tc.msg.Kind(), decoded.Kind())
	}
}

type evaluateParams struct {
	Expression string `json:"expression"`
}

func TestMarshalParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{name: "nil", in: nil, want: `{}`},
		{name: "raw", in: easyjson.RawMessage(`{"a":1}`), want: `{"a":1}`},
		{name: "json raw", in: json.RawMessage(`{"b":2}`), want: `{"b":2}`},
		{name: "bytes", in: []byte(`{"c":3}`), want: `{"c":3}`},
		{name: "map", in: map[string]string{"type": "tab"}, want: `{"type":"tab"}`},
		{name: "struct", in: evaluateParams{Expression: "window.foo"}, want: `{"expression":"window.foo"}`},
		{name: "nil struct pointer", in: (*evaluateParams)(nil), want: `{}`},
		{name: "nil raw pointer", in: (*easyjson.RawMessage)(nil), want: `{}`},
	}

	for _, tc := range tests {
		got, err := MarshalParams(tc.in)
		require.NoError(t, err, tc.name)
		assert.JSONEq(t, tc.want, string(got), tc.name)
	}

	_, err := MarshalParams(map[string]interface{}{"f": func() {}})
	assert.Error(t, err)
}
