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

// Package ws provides a fake CDP browser endpoint for tests.
package ws

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
)

// Default identifiers announced by CDPDefaultHandler.
const (
	DefaultSessionID        target.SessionID = "session_id_0123456789"
	DefaultTargetID         target.ID        = "target_id_0123456789"
	DefaultBrowserContextID                  = "browser_context_id_0123456789"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the ws:// address of path on the server.
func (s *Server) URL(path string) string {
	u, err := url.Parse(s.ServerHTTP.URL)
	if err != nil {
		s.t.Fatalf("parsing test server URL: %v", err)
	}
	return fmt.Sprintf("ws://%s%s", u.Host, path)
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
// The connection is dropped once the first frame has been read, without a
// close handshake.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		wc, err := conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CommandLog records the methods received by a CDP handler. Relayed session
// calls are recorded by their inner method.
type CommandLog struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (l *CommandLog) add(m cdproto.MethodType) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, m)
}

// Methods returns a copy of the recorded methods.
func (l *CommandLog) Methods() []cdproto.MethodType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cdproto.MethodType(nil), l.methods...)
}

// Writer sends frames from a CDP handler back to the client.
type Writer struct {
	ch       chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// WriteRaw sends buf verbatim.
func (w *Writer) WriteRaw(buf []byte) {
	select {
	case w.ch <- buf:
	case <-w.done:
	}
}

// Write encodes and sends msg.
func (w *Writer) Write(msg cdproto.Message) {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return
	}
	w.WriteRaw(buf)
}

// Reply answers the call id with the raw JSON result.
func (w *Writer) Reply(id int64, result string) {
	w.Write(cdproto.Message{ID: id, Result: easyjson.RawMessage(result)})
}

// Event sends a top level event with raw JSON params.
func (w *Writer) Event(method cdproto.MethodType, params string) {
	w.Write(cdproto.Message{Method: method, Params: easyjson.RawMessage(params)})
}

// SessionRaw relays the raw inner message to the session sid.
func (w *Writer) SessionRaw(sid target.SessionID, inner string) {
	ev := target.EventReceivedMessageFromTarget{SessionID: sid, Message: inner}
	params, err := easyjson.Marshal(ev)
	if err != nil {
		return
	}
	w.Write(cdproto.Message{
		Method: cdproto.EventTargetReceivedMessageFromTarget,
		Params: params,
	})
}

// SessionReply answers the relayed call id of session sid.
func (w *Writer) SessionReply(sid target.SessionID, id int64, result string) {
	w.SessionRaw(sid, fmt.Sprintf(`{"id":%d,"result":%s}`, id, result))
}

// SessionEvent sends an event through session sid.
func (w *Writer) SessionEvent(sid target.SessionID, method cdproto.MethodType, params string) {
	w.SessionRaw(sid, fmt.Sprintf(`{"method":%q,"params":%s}`, method, params))
}

// Close ends the connection.
func (w *Writer) Close() {
	w.doneOnce.Do(func() { close(w.done) })
}

// Unwrap extracts the session id and the inner call of a
// Target.sendMessageToTarget relay.
func Unwrap(msg *cdproto.Message) (target.SessionID, *cdproto.Message, bool) {
	if msg.Method != cdproto.CommandTargetSendMessageToTarget {
		return "", nil, false
	}
	var params target.SendMessageToTargetParams
	if err := easyjson.Unmarshal(msg.Params, &params); err != nil {
		return "", nil, false
	}
	inner, err := decode([]byte(params.Message))
	if err != nil {
		return "", nil, false
	}
	return params.SessionID, inner, true
}

func decode(buf []byte) (*cdproto.Message, error) {
	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CDPHandler reacts to a single call received by the fake browser.
type CDPHandler func(msg *cdproto.Message, w *Writer)

// WithCDPHandler attaches a custom CDP handler function to Server.
func WithCDPHandler(path string, fn CDPHandler, cmdsReceived *CommandLog) func(*Server) {
	handler := func(rw http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(rw, req, rw.Header())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		w := &Writer{
			ch:   make(chan []byte),
			done: make(chan struct{}),
		}

		go func() {
			defer w.Close()
			for {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return
				}
				msg, err := decode(buf)
				if err != nil {
					return
				}
				if _, inner, ok := Unwrap(msg); ok {
					cmdsReceived.add(inner.Method)
				} else if msg.Method != "" {
					cmdsReceived.add(msg.Method)
				}
				fn(msg, w)

				select {
				case <-w.done:
					return
				default:
				}
			}
		}()

		for {
			select {
			case buf := <-w.ch:
				if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
					return
				}
			case <-w.done:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				)
				return
			}
		}
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// TargetAttachedParams returns the params of a Target.attachedToTarget event
// for a page target.
func TargetAttachedParams(sid target.SessionID, tid target.ID) string {
	return fmt.Sprintf(`{
		"sessionId": %q,
		"targetInfo": {
			"targetId": %q,
			"type": "page",
			"title": "",
			"url": "about:blank",
			"attached": true,
			"browserContextId": %q
		},
		"waitingForDebugger": false
	}`, sid, tid, DefaultBrowserContextID)
}

// CDPDefaultHandler is a default handler for the CDP WS server. It attaches
// to targets, relays session calls and answers every call with an empty
// result.
func CDPDefaultHandler(msg *cdproto.Message, w *Writer) {
	if sid, inner, ok := Unwrap(msg); ok {
		w.Reply(msg.ID, "{}")
		if inner.ID != 0 {
			w.SessionReply(sid, inner.ID, "{}")
		}
		return
	}

	switch msg.Method {
	case cdproto.CommandTargetAttachToTarget:
		w.Event(cdproto.EventTargetAttachedToTarget, TargetAttachedParams(DefaultSessionID, DefaultTargetID))
		w.Reply(msg.ID, fmt.Sprintf(`{"sessionId":%q}`, DefaultSessionID))
	case cdproto.CommandTargetDetachFromTarget:
		var params target.DetachFromTargetParams
		_ = easyjson.Unmarshal(msg.Params, &params)
		w.Reply(msg.ID, "{}")
		w.Event(cdproto.EventTargetDetachedFromTarget,
			fmt.Sprintf(`{"sessionId":%q,"targetId":%q}`, params.SessionID, DefaultTargetID))
	case "":
	default:
		w.Reply(msg.ID, "{}")
	}
}
