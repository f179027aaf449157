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
	"sync"

	"github.com/chromedp/cdproto"
)

// EventKind enumerates the notifications emitted by the frame and network
// trackers.
type EventKind string

const (
	// FrameManager
	EventFrameAttached                EventKind = "frameattached"
	EventFrameNavigated               EventKind = "framenavigated"
	EventFrameNavigatedWithinDocument EventKind = "framenavigatedwithindocument"
	EventFrameDetached                EventKind = "framedetached"
	EventFrameLifecycle               EventKind = "lifecycleevent"

	// NetworkManager
	EventRequest         EventKind = "request"
	EventResponse        EventKind = "response"
	EventRequestFinished EventKind = "requestfinished"
	EventRequestFailed   EventKind = "requestfailed"
)

// EventConnectionClose is emitted on the Connection once it is torn down.
// The payload is the websocket close code.
const EventConnectionClose cdproto.MethodType = "connectionclose"

// Ensure the emitters implement the EventEmitter interface
var (
	_ EventEmitter[EventKind]          = &BaseEventEmitter[EventKind]{}
	_ EventEmitter[cdproto.MethodType] = &BaseEventEmitter[cdproto.MethodType]{}
)

// Event as emitted by an EventEmitter.
type Event[K ~string] struct {
	Kind K
	Data any
}

// EventHandler receives events synchronously on the emitting goroutine.
// It must not block on protocol round trips.
type EventHandler[K ~string] func(Event[K])

// ListenerID identifies a registration so it can be removed with Off.
type ListenerID uint64

// EventEmitter is a typed, synchronous publish/subscribe bus.
type EventEmitter[K ~string] interface {
	On(kind K, handler EventHandler[K]) ListenerID
	OnAll(handler EventHandler[K]) ListenerID
	Off(ids ...ListenerID)
	emit(kind K, data any)
}

type listener[K ~string] struct {
	id      ListenerID
	kind    K
	all     bool
	handler EventHandler[K]
}

// BaseEventEmitter delivers every event to the listeners registered at
// dispatch time, in registration order. The zero value is ready to use.
type BaseEventEmitter[K ~string] struct {
	mu        sync.RWMutex
	lastID    ListenerID
	listeners []listener[K]
}

// On registers handler for events of kind.
func (e *BaseEventEmitter[K]) On(kind K, handler EventHandler[K]) ListenerID {
	return e.add(listener[K]{kind: kind, handler: handler})
}

// OnAll registers handler for every event.
func (e *BaseEventEmitter[K]) OnAll(handler EventHandler[K]) ListenerID {
	return e.add(listener[K]{all: true, handler: handler})
}

func (e *BaseEventEmitter[K]) add(l listener[K]) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastID++
	l.id = e.lastID
	e.listeners = append(e.listeners, l)

	return l.id
}

// Off removes the given registrations. Unknown ids are ignored.
func (e *BaseEventEmitter[K]) Off(ids ...ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ids {
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				break
			}
		}
	}
}

func (e *BaseEventEmitter[K]) registered(id ListenerID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, l := range e.listeners {
		if l.id == id {
			return true
		}
	}
	return false
}

func (e *BaseEventEmitter[K]) emit(kind K, data any) {
	e.mu.RLock()
	targets := make([]listener[K], 0, len(e.listeners))
	for _, l := range e.listeners {
		if l.all || l.kind == kind {
			targets = append(targets, l)
		}
	}
	e.mu.RUnlock()

	ev := Event[K]{Kind: kind, Data: data}
	for i, l := range targets {
		// A handler may have removed a later listener.
		if i > 0 && !e.registered(l.id) {
			continue
		}
		l.handler(ev)
	}
}

func (e *BaseEventEmitter[K]) listenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
