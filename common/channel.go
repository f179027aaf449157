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
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/cdpcore/log"
	"github.com/liuxd6825/cdpcore/metrics"
)

// sessionParent carries calls on behalf of its child sessions. Both the
// Connection and every Session are parents.
type sessionParent interface {
	// send issues method without waiting for its reply. onFailure runs once
	// if the call settles with an error.
	send(method string, params easyjson.Marshaler, onFailure func(error)) (*pendingCall, error)
	// forgetSession drops the child id without closing it.
	forgetSession(id target.SessionID)
}

// sessionTable owns the child sessions of a parent channel.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[target.SessionID]*Session
}

func (t *sessionTable) get(id target.SessionID) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

func (t *sessionTable) add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions == nil {
		t.sessions = make(map[target.SessionID]*Session)
	}
	t.sessions[s.id] = s
}

func (t *sessionTable) remove(id target.SessionID) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil
	}
	delete(t.sessions, id)
	return s
}

func (t *sessionTable) drain() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.sessions = nil
	return all
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// find looks id up among the children and, recursively, their children.
func (t *sessionTable) find(id target.SessionID) *Session {
	if s := t.get(id); s != nil {
		return s
	}
	t.mu.RLock()
	children := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		children = append(children, s)
	}
	t.mu.RUnlock()
	for _, s := range children {
		if found := s.sessions.find(id); found != nil {
			return found
		}
	}
	return nil
}

// channel is the call bookkeeping and inbound routing shared by the
// Connection and its sessions.
type channel struct {
	BaseEventEmitter[cdproto.MethodType]

	calls    *callRegistry
	sessions sessionTable
	logger   *log.Logger
	metrics  *metrics.BuiltinMetrics
	category string
}

func newChannel(category string, logger *log.Logger, bm *metrics.BuiltinMetrics) channel {
	return channel{
		calls:    newCallRegistry(),
		logger:   logger,
		metrics:  bm,
		category: category,
	}
}

// dispatch routes one inbound message: replies settle their call, relay
// envelopes are forwarded to a child session and everything else is
// emitted. self is the owner of this channel and becomes the parent of
// newly attached sessions.
func (ch *channel) dispatch(self sessionParent, msg *Message) {
	if msg.ID != 0 {
		call := ch.calls.take(msg.ID)
		if call == nil {
			ch.logger.Debugf(ch.category+":dispatch", "no pending call for id:%d", msg.ID)
			return
		}
		if msg.Error != nil {
			call.fail(msg.protocolError(call.method))
			ch.metrics.CallSettled(metrics.OutcomeError)
			return
		}
		call.resolve(msg.Result)
		ch.metrics.CallSettled(metrics.OutcomeOK)
		return
	}
	if msg.Method == "" {
		ch.logger.Errorf(ch.category+":dispatch", "ignoring malformed incoming message (missing id or method)")
		return
	}

	ev, err := cdproto.UnmarshalMessage(msg.cdprotoMessage())
	if err != nil {
		if !errors.Is(err, cdp.ErrUnknownCommandOrEvent(msg.Method)) {
			ch.logger.Debugf(ch.category+":dispatch", "method:%q cannot unmarshal: %v", msg.Method, err)
		}
		// Events unknown to cdproto are emitted raw.
		ch.emit(msg.Method, msg)
		return
	}

	switch ev := ev.(type) {
	case *target.EventReceivedMessageFromTarget:
		ch.relayToSession(ev)
		return
	case *target.EventAttachedToTarget:
		ch.attachSession(self, ev)
	case *target.EventDetachedFromTarget:
		ch.detachSession(ev.SessionID)
	}
	ch.emit(msg.Method, ev)
}

func (ch *channel) relayToSession(ev *target.EventReceivedMessageFromTarget) {
	s := ch.sessions.get(ev.SessionID)
	if s == nil {
		ch.logger.Debugf(ch.category+":relayToSession", "sid:%v unknown session", ev.SessionID)
		return
	}
	inner, err := decodeMessage([]byte(ev.Message))
	if err != nil {
		ch.logger.Errorf(ch.category+":relayToSession", "sid:%v decoding relayed message: %v", ev.SessionID, err)
		return
	}
	s.dispatch(s, inner)
}

func (ch *channel) attachSession(parent sessionParent, ev *target.EventAttachedToTarget) {
	if ch.sessions.get(ev.SessionID) != nil {
		return
	}
	var (
		tid   target.ID
		ttype string
	)
	if ev.TargetInfo != nil {
		tid, ttype = ev.TargetInfo.TargetID, ev.TargetInfo.Type
	}
	ch.sessions.add(NewSession(parent, ev.SessionID, tid, ttype, ch.logger, ch.metrics))
}

func (ch *channel) forgetSession(id target.SessionID) {
	ch.sessions.remove(id)
}

func (ch *channel) detachSession(id target.SessionID) {
	if s := ch.sessions.remove(id); s != nil {
		s.close()
	}
}

// execute issues method through self and waits for its reply.
func execute(
	ctx context.Context, self sessionParent, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	call, err := self.send(method, params, nil)
	if err != nil {
		return err
	}
	return call.wait(ctx, res)
}

// createSession attaches to tid through exec, without flattening, and
// returns the session registered by the resulting attach event.
func (ch *channel) createSession(ctx context.Context, exec cdp.Executor, tid target.ID) (*Session, error) {
	sid, err := target.AttachToTarget(tid).WithFlatten(false).Do(cdp.WithExecutor(ctx, exec))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %v: %w", tid, err)
	}
	s := ch.sessions.get(sid)
	if s == nil {
		return nil, fmt.Errorf("attaching to target %v: session %v was not announced", tid, sid)
	}
	return s, nil
}

// marshalParams encodes params, which may be nil.
func marshalParams(params easyjson.Marshaler) (easyjson.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	buf, err := easyjson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return buf, nil
}
