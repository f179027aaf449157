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
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/cdpcore/log"
	"github.com/liuxd6825/cdpcore/metrics"
)

// Ensure Session implements the Executor interface
var _ cdp.Executor = &Session{}

// Session represents a CDP session to a target. It owns no transport: every
// call is relayed by its parent through Target.sendMessageToTarget.
type Session struct {
	channel

	id         target.SessionID
	targetID   target.ID
	targetType string

	parentMu sync.RWMutex
	parent   sessionParent

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a new session relayed through parent.
func NewSession(
	parent sessionParent, id target.SessionID, tid target.ID, targetType string,
	logger *log.Logger, bm *metrics.BuiltinMetrics,
) *Session {
	s := Session{
		channel:    newChannel("Session", logger, bm),
		id:         id,
		targetID:   tid,
		targetType: targetType,
		parent:     parent,
		done:       make(chan struct{}),
	}
	s.logger.Debugf("Session:NewSession", "sid:%v tid:%v type:%s", id, tid, targetType)
	s.metrics.SessionAttached()

	return &s
}

// ID returns session ID.
func (s *Session) ID() target.SessionID {
	return s.id
}

// TargetID returns session's target ID.
func (s *Session) TargetID() target.ID {
	return s.targetID
}

// TargetType returns the type of the attached target, e.g. "page".
func (s *Session) TargetType() string {
	return s.targetType
}

func (s *Session) getParent() sessionParent {
	s.parentMu.RLock()
	defer s.parentMu.RUnlock()
	return s.parent
}

// send implements sessionParent. It registers the call in the session's own
// id namespace and hands the encoded envelope to the parent.
func (s *Session) send(method string, params easyjson.Marshaler, onFailure func(error)) (*pendingCall, error) {
	parent := s.getParent()
	if parent == nil {
		return nil, newSessionClosedError(method, s.targetType)
	}
	call, ok := s.calls.register(method, onFailure)
	if !ok {
		return nil, newSessionClosedError(method, s.targetType)
	}

	buf, err := marshalParams(params)
	if err != nil {
		s.calls.take(call.id)
		return nil, err
	}
	inner, err := encodeMessage(&Message{
		ID:     call.id,
		Method: cdproto.MethodType(method),
		Params: buf,
	})
	if err != nil {
		s.calls.take(call.id)
		return nil, err
	}

	failInner := func(err error) {
		if s.calls.take(call.id) != nil {
			call.fail(err)
		}
	}
	relay := target.SendMessageToTarget(string(inner)).WithSessionID(s.id)
	if _, err := parent.send(target.CommandSendMessageToTarget, relay, failInner); err != nil {
		s.logger.Debugf("Session:send", "sid:%v tid:%v method:%q relay refused: %v", s.id, s.targetID, method, err)
		failInner(err)
	}

	return call, nil
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	s.logger.Debugf("Session:Execute", "sid:%v tid:%v method:%q", s.id, s.targetID, method)
	return execute(ctx, s, method, params, res)
}

// CreateSession attaches to a target nested below this session.
func (s *Session) CreateSession(ctx context.Context, tid target.ID) (*Session, error) {
	return s.createSession(ctx, s, tid)
}

// Session returns the live child session id, at any depth, or nil.
func (s *Session) Session(id target.SessionID) *Session {
	return s.sessions.find(id)
}

// Detach asks the parent to sever this session. The session is closed once
// the browser confirms.
func (s *Session) Detach(ctx context.Context) error {
	s.logger.Debugf("Session:Detach", "sid:%v tid:%v", s.id, s.targetID)

	parent := s.getParent()
	if parent == nil {
		return newSessionClosedError(target.CommandDetachFromTarget, s.targetType)
	}
	if err := execute(ctx, parent, target.CommandDetachFromTarget, target.DetachFromTarget().WithSessionID(s.id), nil); err != nil {
		return err
	}
	parent.forgetSession(s.id)
	s.close()

	return nil
}

// close fails every pending call with a target closed error, closes nested
// sessions and forgets the parent. It is safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.logger.Debugf("Session:close", "sid:%v tid:%v", s.id, s.targetID)

		s.parentMu.Lock()
		s.parent = nil
		s.parentMu.Unlock()

		for _, child := range s.sessions.drain() {
			child.close()
		}
		for _, call := range s.calls.drain() {
			call.fail(newTargetClosedError(call.method))
			s.metrics.CallSettled(metrics.OutcomeClosed)
		}
		s.metrics.SessionDetached()

		close(s.done)
	})
}

// Done returns a channel that is closed when this session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed returns true if this session is closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
