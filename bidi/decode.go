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

	"github.com/mailru/easyjson/jlexer"
)

var (
	errMissingIDAndMethod = errors.New("missing id and method")
	errSuccessWithoutID   = errors.New("success reply without id")
	errEventWithoutMethod = errors.New("event without method")
)

// Decode parses a frame and classifies it as a response, an error reply or
// an event. A frame that is not a JSON object of one of those shapes yields
// a *DecodeError.
func Decode(frame []byte) (*Message, error) {
	var msg Message
	in := jlexer.Lexer{Data: frame}
	msg.UnmarshalEasyJSON(&in)
	if err := in.Error(); err != nil {
		return nil, &DecodeError{Frame: frame, Err: err}
	}

	switch msg.Type {
	case "":
	case TypeError:
		msg.kind = KindError
		return &msg, nil
	case TypeSuccess:
		if !msg.hasID {
			return nil, &DecodeError{Frame: frame, Err: errSuccessWithoutID}
		}
		msg.kind = KindResponse
		return &msg, nil
	case TypeEvent:
		if msg.Method == "" {
			return nil, &DecodeError{Frame: frame, Err: errEventWithoutMethod}
		}
		msg.kind = KindEvent
		return &msg, nil
	default:
		return nil, &DecodeError{Frame: frame, Err: fmt.Errorf("unknown message type %q", msg.Type)}
	}

	switch {
	case msg.hasID && msg.hasError:
		msg.kind = KindError
	case msg.hasID:
		msg.kind = KindResponse
	case msg.Method != "":
		msg.kind = KindEvent
	default:
		return nil, &DecodeError{Frame: frame, Err: errMissingIDAndMethod}
	}

	return &msg, nil
}
