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
	"reflect"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Values of the optional "type" discriminator sent by BiDi peers.
const (
	TypeSuccess = "success"
	TypeError   = "error"
	TypeEvent   = "event"
)

var emptyObject = easyjson.RawMessage(`{}`)

// Command is an outbound frame.
type Command struct {
	ID     int64
	Method string
	Params easyjson.RawMessage
}

// MarshalEasyJSON writes {"id":..,"method":..,"params":..}.
// Missing params are sent as an empty object.
func (c Command) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"id":`)
	out.Int64(c.ID)
	out.RawString(`,"method":`)
	out.String(c.Method)
	out.RawString(`,"params":`)
	if len(c.Params) == 0 {
		out.Raw(emptyObject, nil)
	} else {
		out.Raw(c.Params, nil)
	}
	out.RawByte('}')
}

// UnmarshalEasyJSON reads a command frame. Only peers (and tests faking
// them) need it.
func (c *Command) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			c.ID = in.Int64()
		case "method":
			c.Method = in.String()
		case "params":
			(c.Params).UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

// MessageKind classifies an inbound frame.
type MessageKind int

// Inbound frame kinds.
const (
	KindInvalid MessageKind = iota
	KindResponse
	KindError
	KindEvent
)

func (k MessageKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindEvent:
		return "event"
	default:
		return "invalid"
	}
}

// Message is an inbound frame: a command response, a command error or an
// event. Use Decode to get one with its Kind set.
type Message struct {
	Type       string
	ID         int64
	Method     string
	Params     easyjson.RawMessage
	Result     easyjson.RawMessage
	Error      string
	Message    string
	Stacktrace string

	hasID    bool
	hasError bool
	kind     MessageKind
}

// NewResponse returns a success reply for id.
func NewResponse(id int64, result easyjson.RawMessage) *Message {
	return &Message{Type: TypeSuccess, ID: id, Result: result, hasID: true, kind: KindResponse}
}

// NewErrorResponse returns an error reply for id.
func NewErrorResponse(id int64, code, message string) *Message {
	return &Message{Type: TypeError, ID: id, Error: code, Message: message, hasID: true, hasError: true, kind: KindError}
}

// NewEvent returns an event frame.
func NewEvent(method string, params easyjson.RawMessage) *Message {
	return &Message{Type: TypeEvent, Method: method, Params: params, kind: KindEvent}
}

// HasID reports whether the frame carried a non-null id.
func (m *Message) HasID() bool { return m.hasID }

// HasError reports whether the frame carried a non-null "error" field, even
// an empty one.
func (m *Message) HasError() bool { return m.hasError }

// Kind returns the classification made by Decode.
func (m *Message) Kind() MessageKind { return m.kind }

// MarshalEasyJSON writes the message in wire form. The "type" field is
// only written when set.
func (m Message) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawByte('{')
	first := true
	field := func(name string) {
		if !first {
			out.RawByte(',')
		}
		first = false
		out.String(name)
		out.RawByte(':')
	}
	if m.Type != "" {
		field("type")
		out.String(m.Type)
	}
	if m.hasID {
		field("id")
		out.Int64(m.ID)
	}
	if m.Method != "" {
		field("method")
		out.String(m.Method)
	}
	if len(m.Params) > 0 {
		field("params")
		out.Raw(m.Params, nil)
	}
	if len(m.Result) > 0 {
		field("result")
		out.Raw(m.Result, nil)
	} else if m.kind == KindResponse {
		field("result")
		out.Raw(emptyObject, nil)
	}
	if m.hasError || m.Error != "" {
		field("error")
		out.String(m.Error)
		field("message")
		out.String(m.Message)
	}
	if m.Stacktrace != "" {
		field("stacktrace")
		out.String(m.Stacktrace)
	}
	out.RawByte('}')
}

// UnmarshalEasyJSON reads the raw fields. Classification happens in Decode.
func (m *Message) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "type":
			m.Type = in.String()
		case "id":
			m.ID = in.Int64()
			m.hasID = true
		case "method":
			m.Method = in.String()
		case "params":
			(m.Params).UnmarshalEasyJSON(in)
		case "result":
			(m.Result).UnmarshalEasyJSON(in)
		case "error":
			m.Error = in.String()
			m.hasError = true
		case "message":
			m.Message = in.String()
		case "stacktrace":
			m.Stacktrace = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

// MarshalParams turns command parameters into a raw payload. nil and nil
// pointers become an empty object, raw JSON is passed through, easyjson
// marshalers are used when available and anything else goes through
// encoding/json.
func MarshalParams(v interface{}) (easyjson.RawMessage, error) {
	if isNilPointer(v) {
		return emptyObject, nil
	}
	switch p := v.(type) {
	case nil:
		return emptyObject, nil
	case easyjson.RawMessage:
		return p, nil
	case json.RawMessage:
		return easyjson.RawMessage(p), nil
	case []byte:
		return easyjson.RawMessage(p), nil
	case easyjson.Marshaler:
		return easyjson.Marshal(p)
	default:
		return json.Marshal(p)
	}
}

func isNilPointer(v interface{}) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
