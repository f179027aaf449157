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
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/cdpcore/log"
	"github.com/liuxd6825/cdpcore/metrics"
)

const wsWriteBufferSize = 1 << 20

// Ensure Connection implements the Executor interface
var _ cdp.Executor = &Connection{}

/*
Connection represents a WebSocket connection and the root "Browser Session".

	                                   ┌───────────────────────────────────┐
	                                   │          Browser Process          │
	                                   └───────────────────────────────────┘
	                                                  │      ▲
	┌───────────────────────────┐                     ▼      │
	│ Reads CDP envelopes and   │      ┌───────────────────────────────────┐
	│ settles pending calls, or ├──────■        WebSocket Connection       │
	│ unwraps relay envelopes   │      └───────────────────────────────────┘
	│ for child sessions.       │             │      ▲          │      ▲
	└───────────────────────────┘             ▼      │          ▼      │
	┌───────────────────────────┐      ┌──────────────────┐  ┌──────────────────┐
	│ Wraps its calls in        ├──────■     Session      │  │     Session      │
	│ Target.sendMessageToTarget│      └──────────────────┘  └──────────────────┘
	│ and relays them upwards.  │             │      ▲
	└───────────────────────────┘             ▼      │
	                                   ┌──────────────────┐
	                                   │  Nested Session  │
	                                   └──────────────────┘

All inbound messages are dispatched on a single goroutine, in the order the
socket delivered them.
*/
type Connection struct {
	channel

	ctx          context.Context
	wsURL        string
	conn         *websocket.Conn
	writeMu      sync.Mutex
	recvDelay    time.Duration
	onClose      func()
	done         chan struct{}
	shutdownOnce sync.Once
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithReceiveDelay delays the dispatch of every received message by d.
func WithReceiveDelay(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.recvDelay = d
	}
}

// WithCloseHandler registers fn to run once when the connection is torn
// down.
func WithCloseHandler(fn func()) ConnectionOption {
	return func(c *Connection) {
		c.onClose = fn
	}
}

// WithMetrics records connection activity in bm.
func WithMetrics(bm *metrics.BuiltinMetrics) ConnectionOption {
	return func(c *Connection) {
		c.metrics = bm
	}
}

// NewConnection dials wsURL and starts dispatching its messages.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger, opts ...ConnectionOption) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	c := Connection{
		channel: newChannel("Connection", logger, nil),
		ctx:     ctx,
		wsURL:   wsURL,
		conn:    conn,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&c)
	}
	c.logger.Debugf("Connection:NewConnection", "url:%s", wsURL)

	go c.recvLoop()

	return &c, nil
}

// close tears the connection down exactly once: the close handler runs,
// every session is closed, every pending call fails and the socket is
// released.
func (c *Connection) close(code int) error {
	var err error

	c.shutdownOnce.Do(func() {
		c.logger.Debugf("Connection:close", "code:%d", code)

		if c.onClose != nil {
			c.onClose()
		}
		c.emit(EventConnectionClose, code)

		// Sessions first, so their calls fail with their own method names
		// rather than with the relay call that carried them.
		for _, s := range c.sessions.drain() {
			s.close()
		}
		for _, call := range c.calls.drain() {
			call.fail(newTargetClosedError(call.method))
			c.metrics.CallSettled(metrics.OutcomeClosed)
		}

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
		_ = c.conn.Close()

		close(c.done)
	})

	return err
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Errorf("Connection:handleIOError", "url:%s unexpected close: %v", c.wsURL, err)
	}
	code := websocket.CloseGoingAway
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	_ = c.close(code)
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}
		c.metrics.MessageReceived()
		c.logger.Tracef("cdp:recv", "<- %s", buf)

		if c.recvDelay > 0 {
			select {
			case <-time.After(c.recvDelay):
			case <-c.done:
				return
			}
		}

		msg, err := decodeMessage(buf)
		if err != nil {
			c.logger.Errorf("Connection:recvLoop", "decoding message: %v", err)
			continue
		}
		c.dispatch(c, msg)
	}
}

func (c *Connection) write(msg *Message) error {
	buf, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	c.logger.Tracef("cdp:send", "-> %s", buf)

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, buf)
	c.writeMu.Unlock()
	if err != nil {
		go c.handleIOError(err)
		return err
	}
	c.metrics.MessageSent()

	return nil
}

// send implements sessionParent for top level sessions.
func (c *Connection) send(method string, params easyjson.Marshaler, onFailure func(error)) (*pendingCall, error) {
	call, ok := c.calls.register(method, onFailure)
	if !ok {
		return nil, ErrConnectionClosed
	}
	buf, err := marshalParams(params)
	if err != nil {
		c.calls.take(call.id)
		return nil, err
	}
	if err := c.write(&Message{
		ID:     call.id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}); err != nil {
		if c.calls.take(call.id) == nil {
			// Teardown got to the call first and already failed it.
			return call, nil
		}
		return nil, err
	}

	return call, nil
}

// Execute implements cdp.Executor and performs a synchronous send and receive.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	c.logger.Debugf("Connection:Execute", "method:%q", method)
	return execute(ctx, c, method, params, res)
}

// CreateSession attaches to tid and returns its session.
func (c *Connection) CreateSession(ctx context.Context, tid target.ID) (*Session, error) {
	return c.createSession(ctx, c, tid)
}

// Session returns the live session id, at any depth, or nil.
func (c *Connection) Session(id target.SessionID) *Session {
	return c.sessions.find(id)
}

// Close closes the connection. Closing more than once is a no-op.
func (c *Connection) Close() error {
	return c.close(websocket.CloseNormalClosure)
}

// Done returns a channel that is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed returns true if the connection has been torn down.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
