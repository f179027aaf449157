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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/liuxd6825/cdpcore/log"
	"github.com/liuxd6825/cdpcore/metrics"
)

// Ensure FrameManager implements the EventEmitter interface
var _ EventEmitter[EventKind] = &FrameManager{}

// FrameLifecycleEvent is the payload of EventFrameLifecycle.
type FrameLifecycleEvent struct {
	Frame *Frame
	Name  string
}

// FrameManager tracks the frame tree of a page target and the execution
// contexts of its frames. Every frame is owned by the frames table and
// links to its relatives by id only.
type FrameManager struct {
	BaseEventEmitter[EventKind]

	framesMu    sync.RWMutex
	frames      map[cdp.FrameID]*Frame
	mainFrameID cdp.FrameID

	contextsMu sync.RWMutex
	contexts   map[runtime.ExecutionContextID]*ExecutionContext

	logger  *log.Logger
	metrics *metrics.BuiltinMetrics
	id      int64
}

// frameManagerID is used for giving a unique ID to a frame manager
var frameManagerID int64

// NewFrameManager creates a new frame tracker.
func NewFrameManager(logger *log.Logger, bm *metrics.BuiltinMetrics) *FrameManager {
	return &FrameManager{
		frames:   make(map[cdp.FrameID]*Frame),
		contexts: make(map[runtime.ExecutionContextID]*ExecutionContext),
		logger:   logger,
		metrics:  bm,
		id:       atomic.AddInt64(&frameManagerID, 1),
	}
}

func (m *FrameManager) frameAttached(frameID, parentFrameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameAttached", "fmid:%d fid:%v pfid:%v", m.id, frameID, parentFrameID)

	m.framesMu.Lock()
	if _, ok := m.frames[frameID]; ok {
		m.framesMu.Unlock()
		m.logger.Debugf("FrameManager:frameAttached:return",
			"fmid:%d fid:%v pfid:%v frame already exists", m.id, frameID, parentFrameID)
		return
	}
	parent, ok := m.frames[parentFrameID]
	if !ok {
		parentFrameID = ""
	}
	frame := NewFrame(m, frameID, parentFrameID)
	m.frames[frameID] = frame
	if parent != nil {
		parent.addChildFrame(frameID)
	}
	m.framesMu.Unlock()

	m.metrics.FramesChanged(1)
	m.emit(EventFrameAttached, frame)
}

func (m *FrameManager) frameNavigated(cf *cdp.Frame) error {
	m.logger.Debugf("FrameManager:frameNavigated",
		"fmid:%d fid:%v pfid:%v lid:%s url:%s", m.id, cf.ID, cf.ParentID, cf.LoaderID, cf.URL)

	isMainFrame := cf.ParentID == ""

	m.framesMu.Lock()
	tracked := len(m.frames)
	var frame *Frame
	if isMainFrame {
		frame = m.frames[m.mainFrameID]
	} else {
		frame = m.frames[cf.ID]
		if frame == nil {
			m.framesMu.Unlock()
			return fmt.Errorf("navigating frame %v: %w", cf.ID, ErrFrameNotFound)
		}
	}

	var detached []*Frame
	if frame != nil {
		for _, cid := range frame.childFrameIDs() {
			detached = append(detached, m.removeFramesLocked(cid)...)
		}
	}

	if isMainFrame {
		if frame != nil {
			// Keep the frame object, only its id changes.
			delete(m.frames, frame.ID())
			frame.setID(cf.ID)
		} else {
			frame = NewFrame(m, cf.ID, "")
		}
		m.frames[cf.ID] = frame
		m.mainFrameID = cf.ID
	}
	frame.navigated(cf.Name, cf.URL+cf.URLFragment, cf.LoaderID)
	delta := len(m.frames) - tracked
	m.framesMu.Unlock()

	m.metrics.FramesChanged(delta)
	for _, f := range detached {
		m.emit(EventFrameDetached, f)
	}
	m.emit(EventFrameNavigated, frame)

	return nil
}

func (m *FrameManager) frameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	m.logger.Debugf("FrameManager:frameNavigatedWithinDocument", "fmid:%d fid:%v url:%s", m.id, frameID, url)

	frame := m.Frame(frameID)
	if frame == nil {
		return
	}
	frame.setURL(url)
	m.emit(EventFrameNavigatedWithinDocument, frame)
}

func (m *FrameManager) frameDetached(frameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameDetached", "fmid:%d fid:%v", m.id, frameID)

	m.framesMu.Lock()
	detached := m.removeFramesLocked(frameID)
	m.framesMu.Unlock()

	if len(detached) == 0 {
		return
	}
	m.metrics.FramesChanged(-len(detached))
	for _, f := range detached {
		m.emit(EventFrameDetached, f)
	}
}

// removeFramesLocked removes the subtree rooted at frameID from the frames
// table and returns the removed frames, children before their parent.
// framesMu must be held.
func (m *FrameManager) removeFramesLocked(frameID cdp.FrameID) []*Frame {
	root, ok := m.frames[frameID]
	if !ok {
		return nil
	}
	if parent := m.frames[root.parentFrameID()]; parent != nil {
		parent.removeChildFrame(frameID)
	}

	var (
		visited []*Frame
		stack   = []*Frame{root}
	)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visited = append(visited, f)
		for _, cid := range f.childFrameIDs() {
			if child, ok := m.frames[cid]; ok {
				stack = append(stack, child)
			}
		}
	}

	removed := make([]*Frame, 0, len(visited))
	for i := len(visited) - 1; i >= 0; i-- {
		f := visited[i]
		id := f.ID()
		delete(m.frames, id)
		if id == m.mainFrameID {
			m.mainFrameID = ""
		}
		f.detach()
		removed = append(removed, f)
	}

	return removed
}

func (m *FrameManager) frameLifecycleEvent(frameID cdp.FrameID, loaderID cdp.LoaderID, name string) {
	m.logger.Debugf("FrameManager:frameLifecycleEvent", "fmid:%d fid:%v lid:%s event:%s", m.id, frameID, loaderID, name)

	frame := m.Frame(frameID)
	if frame == nil {
		return
	}
	frame.onLifecycleEvent(loaderID, name)
	m.emit(EventFrameLifecycle, &FrameLifecycleEvent{Frame: frame, Name: name})
}

func (m *FrameManager) frameStoppedLoading(frameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameStoppedLoading", "fmid:%d fid:%v", m.id, frameID)

	frame := m.Frame(frameID)
	if frame == nil {
		return
	}
	frame.onLoadingStopped()
	m.emit(EventFrameLifecycle, &FrameLifecycleEvent{Frame: frame, Name: LifecycleEventLoad})
}

func (m *FrameManager) executionContextCreated(desc *runtime.ExecutionContextDescription) {
	ec := NewExecutionContext(desc)

	m.logger.Debugf("FrameManager:executionContextCreated",
		"fmid:%d ectxid:%d fid:%v default:%t", m.id, ec.id, ec.frameID, ec.isDefault)

	m.contextsMu.Lock()
	m.contexts[ec.id] = ec
	m.contextsMu.Unlock()

	if !ec.isDefault {
		return
	}
	if frame := m.Frame(ec.frameID); frame != nil {
		if !frame.setDefaultContext(ec) {
			m.logger.Debugf("FrameManager:executionContextCreated",
				"fmid:%d ectxid:%d fid:%v default context already bound", m.id, ec.id, ec.frameID)
		}
	}
}

func (m *FrameManager) executionContextDestroyed(id runtime.ExecutionContextID) {
	m.logger.Debugf("FrameManager:executionContextDestroyed", "fmid:%d ectxid:%d", m.id, id)

	m.contextsMu.Lock()
	ec, ok := m.contexts[id]
	delete(m.contexts, id)
	m.contextsMu.Unlock()

	if !ok {
		return
	}
	if frame := m.Frame(ec.frameID); frame != nil {
		frame.clearDefaultContext(ec)
	}
}

func (m *FrameManager) executionContextsCleared() {
	m.logger.Debugf("FrameManager:executionContextsCleared", "fmid:%d", m.id)

	m.contextsMu.Lock()
	cleared := m.contexts
	m.contexts = make(map[runtime.ExecutionContextID]*ExecutionContext)
	m.contextsMu.Unlock()

	for _, ec := range cleared {
		if frame := m.Frame(ec.frameID); frame != nil {
			frame.clearDefaultContext(ec)
		}
	}
}

func (m *FrameManager) handleFrameTree(tree *page.FrameTree) error {
	if tree == nil || tree.Frame == nil {
		return nil
	}
	if tree.Frame.ParentID != "" {
		m.frameAttached(tree.Frame.ID, tree.Frame.ParentID)
	}
	if err := m.frameNavigated(tree.Frame); err != nil {
		return err
	}
	for _, child := range tree.ChildFrames {
		if err := m.handleFrameTree(child); err != nil {
			return err
		}
	}
	return nil
}

// ExecutionContext returns the context registered under id, if any.
func (m *FrameManager) ExecutionContext(id runtime.ExecutionContextID) *ExecutionContext {
	m.contextsMu.RLock()
	defer m.contextsMu.RUnlock()
	return m.contexts[id]
}

// Frame returns the frame with the given id, or nil.
func (m *FrameManager) Frame(id cdp.FrameID) *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.frames[id]
}

// Frames returns all frames currently attached.
func (m *FrameManager) Frames() []*Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()

	frames := make([]*Frame, 0, len(m.frames))
	for _, f := range m.frames {
		frames = append(frames, f)
	}
	return frames
}

// MainFrame returns the main frame, or nil before the first navigation.
func (m *FrameManager) MainFrame() *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.frames[m.mainFrameID]
}
