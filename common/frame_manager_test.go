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
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/cdpcore/log"
	"github.com/liuxd6825/cdpcore/metrics"
)

func newTestFrameManager(t *testing.T) (*FrameManager, *[]Event[EventKind]) {
	t.Helper()

	m := NewFrameManager(log.NewNullLogger(), metrics.NewBuiltinMetrics())
	var events []Event[EventKind]
	m.OnAll(func(ev Event[EventKind]) {
		events = append(events, ev)
	})
	return m, &events
}

func eventKinds(events []Event[EventKind]) []EventKind {
	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func frameIDs(events []Event[EventKind], kind EventKind) []cdp.FrameID {
	var ids []cdp.FrameID
	for _, ev := range events {
		if ev.Kind != kind {
			continue
		}
		if f, ok := ev.Data.(*Frame); ok {
			ids = append(ids, f.ID())
		}
	}
	return ids
}

func contextDescription(id runtime.ExecutionContextID, aux string) *runtime.ExecutionContextDescription {
	return &runtime.ExecutionContextDescription{
		ID:      id,
		Origin:  "https://example.com",
		Name:    "",
		AuxData: easyjson.RawMessage(aux),
	}
}

func TestFrameManagerMainFrameNavigation(t *testing.T) {
	t.Parallel()

	m, events := newTestFrameManager(t)

	require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "M1", LoaderID: "L1", URL: "about:blank"}))
	main := m.MainFrame()
	require.NotNil(t, main)
	assert.Equal(t, cdp.FrameID("M1"), main.ID())
	assert.Nil(t, main.ParentFrame())
	m.executionContextCreated(contextDescription(1, `{"frameId":"M1","isDefault":true,"type":"default"}`))

	// The top level frame may be reported under a new id after a
	// cross-process navigation: the same object is kept under the new key.
	require.NoError(t, m.frameNavigated(&cdp.Frame{
		ID: "M2", LoaderID: "L2", Name: "main", URL: "https://example.com/", URLFragment: "#top",
	}))
	assert.Same(t, main, m.MainFrame())
	assert.Equal(t, cdp.FrameID("M2"), main.ID())
	assert.Nil(t, m.Frame("M1"))
	assert.Same(t, main, m.Frame("M2"))
	assert.Equal(t, "https://example.com/#top", main.URL())
	assert.Equal(t, "main", main.Name())
	assert.Equal(t, cdp.LoaderID("L2"), main.LoaderID())
	assert.Len(t, m.Frames(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ec, err := main.ExecutionContext(ctx)
	require.NoError(t, err)
	assert.Same(t, m.ExecutionContext(1), ec, "the default context survives the id change")

	assert.Equal(t, []EventKind{EventFrameNavigated, EventFrameNavigated}, eventKinds(*events))
}

func TestFrameManagerFramesMetric(t *testing.T) {
	t.Parallel()

	bm := metrics.NewBuiltinMetrics()
	first := NewFrameManager(log.NewNullLogger(), bm)
	second := NewFrameManager(log.NewNullLogger(), bm)

	require.NoError(t, first.frameNavigated(&cdp.Frame{ID: "M1"}))
	first.frameAttached("C1", "M1")
	require.NoError(t, second.frameNavigated(&cdp.Frame{ID: "M2"}))
	assert.Equal(t, 3.0, testutil.ToFloat64(bm.FramesActive), "both managers count")

	require.NoError(t, second.frameNavigated(&cdp.Frame{ID: "M3"}))
	assert.Equal(t, 3.0, testutil.ToFloat64(bm.FramesActive), "a re-keyed main frame is the same frame")

	first.frameDetached("C1")
	assert.Equal(t, 2.0, testutil.ToFloat64(bm.FramesActive))

	second.frameAttached("C2", "M3")
	require.NoError(t, second.frameNavigated(&cdp.Frame{ID: "M3"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(bm.FramesActive), "navigation drops the child frames")
}

func TestFrameManagerFrameAttached(t *testing.T) {
	t.Parallel()

	m, events := newTestFrameManager(t)
	require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "M"}))

	m.frameAttached("C1", "M")
	m.frameAttached("C1", "M")
	m.frameAttached("orphan", "unknown")

	child := m.Frame("C1")
	require.NotNil(t, child)
	assert.Same(t, m.MainFrame(), child.ParentFrame())
	assert.Equal(t, []*Frame{child}, m.MainFrame().ChildFrames(), "attaching twice must not duplicate the child")

	orphan := m.Frame("orphan")
	require.NotNil(t, orphan)
	assert.Nil(t, orphan.ParentFrame())

	assert.Equal(t, []cdp.FrameID{"C1", "orphan"}, frameIDs(*events, EventFrameAttached))
}

func TestFrameManagerSubFrameNavigation(t *testing.T) {
	t.Parallel()

	t.Run("unknown frame", func(t *testing.T) {
		t.Parallel()

		m, events := newTestFrameManager(t)
		require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "M"}))

		err := m.frameNavigated(&cdp.Frame{ID: "C9", ParentID: "M", URL: "https://example.com/"})
		require.ErrorIs(t, err, ErrFrameNotFound)
		assert.Nil(t, m.Frame("C9"))
		assert.Len(t, *events, 1)
	})

	t.Run("detaches previous children", func(t *testing.T) {
		t.Parallel()

		m, events := newTestFrameManager(t)
		require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "M"}))
		m.frameAttached("C", "M")
		m.frameAttached("G", "C")
		*events = nil

		require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "C", ParentID: "M", URL: "https://example.com/frame"}))

		assert.Equal(t, []EventKind{EventFrameDetached, EventFrameNavigated}, eventKinds(*events))
		assert.Equal(t, []cdp.FrameID{"G"}, frameIDs(*events, EventFrameDetached))
		assert.Nil(t, m.Frame("G"))
		assert.Empty(t, m.Frame("C").ChildFrames())
		assert.Equal(t, "https://example.com/frame", m.Frame("C").URL())
	})
}

func TestFrameManagerFrameDetached(t *testing.T) {
	t.Parallel()

	m, events := newTestFrameManager(t)
	require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "M"}))
	m.frameAttached("A", "M")
	m.frameAttached("A1", "A")
	m.frameAttached("A2", "A")
	m.frameAttached("A11", "A1")
	m.frameAttached("B", "M")
	a := m.Frame("A")
	*events = nil

	m.frameDetached("A")

	// Children are reported before their parent.
	assert.Equal(t, []cdp.FrameID{"A11", "A1", "A2", "A"}, frameIDs(*events, EventFrameDetached))
	for _, id := range []cdp.FrameID{"A", "A1", "A2", "A11"} {
		assert.Nil(t, m.Frame(id), "frame %v must be removed", id)
	}
	assert.True(t, a.IsDetached())
	assert.Nil(t, a.ParentFrame())
	assert.Equal(t, []*Frame{m.Frame("B")}, m.MainFrame().ChildFrames())
	assert.Len(t, m.Frames(), 2)

	*events = nil
	m.frameDetached("A")
	assert.Empty(t, *events, "detaching an unknown frame is a no-op")
}

func TestFrameManagerNavigatedWithinDocument(t *testing.T) {
	t.Parallel()

	m, events := newTestFrameManager(t)
	require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "M", URL: "https://example.com/"}))
	*events = nil

	m.frameNavigatedWithinDocument("M", "https://example.com/#anchor")
	m.frameNavigatedWithinDocument("unknown", "https://example.com/#ignored")

	assert.Equal(t, "https://example.com/#anchor", m.MainFrame().URL())
	assert.Equal(t, []EventKind{EventFrameNavigatedWithinDocument}, eventKinds(*events))
}

func TestFrameManagerLifecycle(t *testing.T) {
	t.Parallel()

	m, events := newTestFrameManager(t)
	require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "M", LoaderID: "L1"}))
	main := m.MainFrame()
	*events = nil

	m.frameLifecycleEvent("M", "L1", LifecycleEventDOMContentLoaded)
	m.frameLifecycleEvent("M", "L1", LifecycleEventLoad)
	assert.ElementsMatch(t, []string{LifecycleEventDOMContentLoaded, LifecycleEventLoad}, main.LifecycleEvents())

	m.frameLifecycleEvent("M", "L2", LifecycleEventInit)
	assert.Empty(t, main.LifecycleEvents())
	assert.False(t, main.HasLifecycleEvent(LifecycleEventInit))
	assert.Equal(t, cdp.LoaderID("L2"), main.LoaderID())

	m.frameLifecycleEvent("M", "L2", LifecycleEventDOMContentLoaded)
	m.frameStoppedLoading("M")
	assert.ElementsMatch(t, []string{LifecycleEventDOMContentLoaded, LifecycleEventLoad}, main.LifecycleEvents())

	require.Len(t, *events, 5)
	last, ok := (*events)[4].Data.(*FrameLifecycleEvent)
	require.True(t, ok)
	assert.Same(t, main, last.Frame)
	assert.Equal(t, LifecycleEventLoad, last.Name)
}

func TestFrameManagerExecutionContexts(t *testing.T) {
	t.Parallel()

	m, _ := newTestFrameManager(t)
	require.NoError(t, m.frameNavigated(&cdp.Frame{ID: "M"}))
	main := m.MainFrame()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waited := make(chan *ExecutionContext, 1)
	go func() {
		ec, err := main.ExecutionContext(ctx)
		if err != nil {
			waited <- nil
			return
		}
		waited <- ec
	}()

	m.executionContextCreated(contextDescription(2, `{"frameId":"M","isDefault":false,"type":"isolated"}`))
	m.executionContextCreated(contextDescription(1, `{"frameId":"M","isDefault":true,"type":"default"}`))

	select {
	case ec := <-waited:
		require.NotNil(t, ec)
		assert.Equal(t, runtime.ExecutionContextID(1), ec.ID())
		assert.Equal(t, cdp.FrameID("M"), ec.FrameID())
		assert.True(t, ec.IsDefault())
		assert.Equal(t, "https://example.com", ec.Origin())
	case <-time.After(5 * time.Second):
		t.Fatal("default execution context was not bound")
	}

	// A second default context does not replace the bound one.
	m.executionContextCreated(contextDescription(3, `{"frameId":"M","isDefault":true,"type":"default"}`))
	ec, err := main.ExecutionContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, runtime.ExecutionContextID(1), ec.ID())
	assert.NotNil(t, m.ExecutionContext(3))

	m.executionContextDestroyed(1)
	assert.Nil(t, m.ExecutionContext(1))

	shortCtx, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer shortCancel()
	_, err = main.ExecutionContext(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "waiting must block again after the binding was cleared")

	m.executionContextCreated(contextDescription(4, `{"frameId":"M","isDefault":true,"type":"default"}`))
	ec, err = main.ExecutionContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, runtime.ExecutionContextID(4), ec.ID())

	m.executionContextsCleared()
	assert.Nil(t, m.ExecutionContext(2))
	assert.Nil(t, m.ExecutionContext(4))
	_, err = main.ExecutionContext(shortCtx)
	require.Error(t, err)
}

func TestFrameManagerHandleFrameTree(t *testing.T) {
	t.Parallel()

	m, events := newTestFrameManager(t)

	err := m.handleFrameTree(&page.FrameTree{
		Frame: &cdp.Frame{ID: "M", LoaderID: "L", URL: "https://example.com/"},
		ChildFrames: []*page.FrameTree{
			{
				Frame: &cdp.Frame{ID: "C1", ParentID: "M", URL: "https://example.com/a"},
				ChildFrames: []*page.FrameTree{
					{Frame: &cdp.Frame{ID: "G1", ParentID: "C1", URL: "https://example.com/a/g"}},
				},
			},
			{Frame: &cdp.Frame{ID: "C2", ParentID: "M", URL: "https://example.com/b"}},
		},
	})
	require.NoError(t, err)

	assert.Len(t, m.Frames(), 4)
	assert.Equal(t, "https://example.com/a/g", m.Frame("G1").URL())
	assert.Same(t, m.Frame("C1"), m.Frame("G1").ParentFrame())
	assert.Equal(t, []cdp.FrameID{"C1", "G1", "C2"}, frameIDs(*events, EventFrameAttached))
	assert.Equal(t, []cdp.FrameID{"M", "C1", "G1", "C2"}, frameIDs(*events, EventFrameNavigated))
}
