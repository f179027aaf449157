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
	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

var (
	_ easyjson.Marshaler   = Message{}
	_ easyjson.Unmarshaler = &Message{}
)

// Message is the envelope exchanged over the wire. A call carries ID, Method
// and Params, a reply carries ID and either Result or Error, and an event
// carries Method and Params only.
type Message struct {
	ID     int64
	Method cdproto.MethodType
	Params easyjson.RawMessage
	Result easyjson.RawMessage
	Error  *MessageError
}

// MessageError is the error member of a failed reply.
type MessageError struct {
	Code    int64
	Message string
	Data    easyjson.RawMessage
}

// protocolError converts the remote error of a reply to the call it answers.
func (m *Message) protocolError(method string) *ProtocolError {
	pe := &ProtocolError{
		Method:  method,
		Message: m.Error.Message,
	}
	if len(m.Error.Data) > 0 {
		pe.Data = gjson.ParseBytes(m.Error.Data).String()
	}
	return pe
}

// cdprotoMessage adapts msg so that cdproto can decode its typed event.
func (m *Message) cdprotoMessage() *cdproto.Message {
	params := m.Params
	if len(params) == 0 {
		params = easyjson.RawMessage("{}")
	}
	return &cdproto.Message{
		Method: m.Method,
		Params: params,
	}
}

// MarshalEasyJSON encodes the envelope, omitting empty members.
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
	if m.ID != 0 {
		field("id")
		out.Int64(m.ID)
	}
	if m.Method != "" {
		field("method")
		out.String(string(m.Method))
	}
	if len(m.Params) != 0 {
		field("params")
		m.Params.MarshalEasyJSON(out)
	}
	if len(m.Result) != 0 {
		field("result")
		m.Result.MarshalEasyJSON(out)
	}
	if m.Error != nil {
		field("error")
		m.Error.MarshalEasyJSON(out)
	}
	out.RawByte('}')
}

// UnmarshalEasyJSON decodes the envelope, skipping unknown members.
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
		case "id":
			m.ID = in.Int64()
		case "method":
			m.Method = cdproto.MethodType(in.String())
		case "params":
			m.Params.UnmarshalEasyJSON(in)
		case "result":
			m.Result.UnmarshalEasyJSON(in)
		case "error":
			if m.Error == nil {
				m.Error = new(MessageError)
			}
			m.Error.UnmarshalEasyJSON(in)
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

// MarshalJSON supports json.Marshaler interface.
func (m Message) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	m.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// UnmarshalJSON supports json.Unmarshaler interface.
func (m *Message) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	m.UnmarshalEasyJSON(&r)
	return r.Error()
}

// MarshalEasyJSON encodes the error member.
func (e MessageError) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"code":`)
	out.Int64(e.Code)
	out.RawString(`,"message":`)
	out.String(e.Message)
	if len(e.Data) != 0 {
		out.RawString(`,"data":`)
		e.Data.MarshalEasyJSON(out)
	}
	out.RawByte('}')
}

// UnmarshalEasyJSON decodes the error member.
func (e *MessageError) UnmarshalEasyJSON(in *jlexer.Lexer) {
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
		case "code":
			e.Code = in.Int64()
		case "message":
			e.Message = in.String()
		case "data":
			e.Data.UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

// decodeMessage parses a single wire frame.
func decodeMessage(buf []byte) (*Message, error) {
	var msg Message
	l := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&l)
	if err := l.Error(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// encodeMessage renders msg for the wire.
func encodeMessage(msg *Message) ([]byte, error) {
	w := jwriter.Writer{}
	msg.MarshalEasyJSON(&w)
	if w.Error != nil {
		return nil, w.Error
	}
	return w.BuildBytes()
}
