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

	"github.com/chromedp/cdproto/cdp"
)

// Lifecycle event names reported by Page.lifecycleEvent.
const (
	LifecycleEventInit             = "init"
	LifecycleEventDOMContentLoaded = "DOMContentLoaded"
	LifecycleEventLoad             = "load"
	LifecycleEventNetworkIdle      = "networkIdle"
)

// Frame represents a frame in an HTML document. Frames are owned by their
// FrameManager: parent and children are referenced by id and resolved
// through the manager's frame table.
type Frame struct {
	manager *FrameManager

	mu              sync.RWMutex
	id              cdp.FrameID
	parentID        cdp.FrameID
	childIDs        []cdp.FrameID
	loaderID        cdp.LoaderID
	name            string
	url             string
	detached        bool
	lifecycleEvents map[string]bool

	execCtxMu    sync.Mutex
	execCtx      *ExecutionContext
	execCtxReady chan struct{}
}

// NewFrame creates a new frame managed by m.
func NewFrame(m *FrameManager, frameID, parentID cdp.FrameID) *Frame {
	return &Frame{
		manager:         m,
		id:              frameID,
		parentID:        parentID,
		lifecycleEvents: make(map[string]bool),
		execCtxReady:    make(chan struct{}),
	}
}

// ID returns the frame id. The main frame keeps its identity across
// navigations that assign it a new id.
func (f *Frame) ID() cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id
}

func (f *Frame) setID(id cdp.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

// URL returns the frame URL.
func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

func (f *Frame) setURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

// Name returns the frame name.
func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// LoaderID returns the loader of the current navigation.
func (f *Frame) LoaderID() cdp.LoaderID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaderID
}

// IsDetached reports whether the frame was removed from its page.
func (f *Frame) IsDetached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.detached
}

// ParentFrame returns the parent frame, or nil for a top level frame.
func (f *Frame) ParentFrame() *Frame {
	f.mu.RLock()
	pid := f.parentID
	f.mu.RUnlock()
	if pid == "" {
		return nil
	}
	return f.manager.Frame(pid)
}

// ChildFrames returns the frames attached below this one.
func (f *Frame) ChildFrames() []*Frame {
	ids := f.childFrameIDs()
	frames := make([]*Frame, 0, len(ids))
	for _, id := range ids {
		if child := f.manager.Frame(id); child != nil {
			frames = append(frames, child)
		}
	}
	return frames
}

func (f *Frame) childFrameIDs() []cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]cdp.FrameID(nil), f.childIDs...)
}

func (f *Frame) addChildFrame(id cdp.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.childIDs = append(f.childIDs, id)
}

func (f *Frame) removeChildFrame(id cdp.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cid := range f.childIDs {
		if cid == id {
			f.childIDs = append(f.childIDs[:i:i], f.childIDs[i+1:]...)
			return
		}
	}
}

func (f *Frame) detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	f.parentID = ""
	f.childIDs = nil
}

func (f *Frame) navigated(name, url string, loaderID cdp.LoaderID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
	f.url = url
	if loaderID != "" {
		f.loaderID = loaderID
	}
}

// HasLifecycleEvent reports whether name was observed for the current
// navigation.
func (f *Frame) HasLifecycleEvent(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lifecycleEvents[name]
}

// LifecycleEvents returns the lifecycle events of the current navigation.
func (f *Frame) LifecycleEvents() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.lifecycleEvents))
	for name := range f.lifecycleEvents {
		names = append(names, name)
	}
	return names
}

// onLifecycleEvent records name. An init event marks a new navigation: the
// recorded set is cleared and loaderID becomes current.
func (f *Frame) onLifecycleEvent(loaderID cdp.LoaderID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == LifecycleEventInit {
		f.loaderID = loaderID
		f.lifecycleEvents = make(map[string]bool)
		return
	}
	f.lifecycleEvents[name] = true
}

func (f *Frame) onLoadingStopped() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycleEvents[LifecycleEventDOMContentLoaded] = true
	f.lifecycleEvents[LifecycleEventLoad] = true
}

// setDefaultContext binds ec unless a default context is already bound.
func (f *Frame) setDefaultContext(ec *ExecutionContext) bool {
	f.execCtxMu.Lock()
	defer f.execCtxMu.Unlock()
	if f.execCtx != nil {
		return false
	}
	f.execCtx = ec
	close(f.execCtxReady)
	return true
}

// clearDefaultContext unbinds ec, or whatever is bound when ec is nil, so
// that the next ExecutionContext call waits again.
func (f *Frame) clearDefaultContext(ec *ExecutionContext) {
	f.execCtxMu.Lock()
	defer f.execCtxMu.Unlock()
	if f.execCtx == nil || (ec != nil && f.execCtx != ec) {
		return
	}
	f.execCtx = nil
	f.execCtxReady = make(chan struct{})
}

// ExecutionContext waits until the frame has a default execution context.
func (f *Frame) ExecutionContext(ctx context.Context) (*ExecutionContext, error) {
	for {
		f.execCtxMu.Lock()
		ec, ready := f.execCtx, f.execCtxReady
		f.execCtxMu.Unlock()
		if ec != nil {
			return ec, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *Frame) parentFrameID() cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parentID
}
