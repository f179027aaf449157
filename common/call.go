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

	"github.com/mailru/easyjson"
)

type callResult struct {
	result easyjson.RawMessage
	err    error
}

// pendingCall is the result slot of one outstanding call. It settles exactly
// once, either with a result or with an error.
type pendingCall struct {
	id     int64
	method string
	done   chan callResult
	once   sync.Once

	// onFailure runs after the call settled with an error.
	onFailure func(error)
}

func newPendingCall(id int64, method string) *pendingCall {
	return &pendingCall{
		id:     id,
		method: method,
		done:   make(chan callResult, 1),
	}
}

func (c *pendingCall) resolve(result easyjson.RawMessage) bool {
	return c.settle(callResult{result: result})
}

func (c *pendingCall) fail(err error) bool {
	return c.settle(callResult{err: err})
}

func (c *pendingCall) settle(r callResult) bool {
	settled := false
	c.once.Do(func() {
		c.done <- r
		settled = true
	})
	if settled && r.err != nil && c.onFailure != nil {
		c.onFailure(r.err)
	}
	return settled
}

// wait blocks until the call settles or ctx is done. Giving up on ctx does
// not cancel the remote call; its slot stays registered until it settles.
func (c *pendingCall) wait(ctx context.Context, res easyjson.Unmarshaler) error {
	select {
	case r := <-c.done:
		if r.err != nil {
			return r.err
		}
		if res != nil && len(r.result) > 0 {
			return easyjson.Unmarshal(r.result, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callRegistry is one call id namespace together with its unsettled calls.
type callRegistry struct {
	mu     sync.Mutex
	lastID int64
	calls  map[int64]*pendingCall
	closed bool
}

func newCallRegistry() *callRegistry {
	return &callRegistry{calls: make(map[int64]*pendingCall)}
}

// register allocates the next id for method. It returns false once the
// registry has been drained.
func (r *callRegistry) register(method string, onFailure func(error)) (*pendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false
	}
	r.lastID++
	call := newPendingCall(r.lastID, method)
	call.onFailure = onFailure
	r.calls[call.id] = call

	return call, true
}

// take removes and returns the call registered under id.
func (r *callRegistry) take(id int64) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[id]
	if !ok {
		return nil
	}
	delete(r.calls, id)

	return call
}

// drain closes the registry and hands back every unsettled call.
func (r *callRegistry) drain() []*pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	calls := make([]*pendingCall, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.calls = make(map[int64]*pendingCall)

	return calls
}

func (r *callRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
