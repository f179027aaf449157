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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/cdpcore/log"
)

func newTestFrameSession(t *testing.T) (*FrameSession, *fakeSession) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newFakeSession()
	s.setResult(page.CommandGetFrameTree, `{
		"frameTree": {
			"frame": {"id": "M", "loaderId": "L1", "url": "about:blank", "securityOrigin": "://", "mimeType": "text/html"},
			"childFrames": [
				{"frame": {"id": "C", "parentId": "M", "loaderId": "L1", "url": "about:srcdoc", "securityOrigin": "://", "mimeType": "text/html"}}
			]
		}
	}`)

	return NewFrameSession(ctx, s, log.NewNullLogger(), nil), s
}

func TestFrameSessionInitialize(t *testing.T) {
	t.Parallel()

	fs, s := newTestFrameSession(t)
	require.NoError(t, fs.Initialize(context.Background()))

	assert.Equal(t, []string{
		page.CommandEnable,
		page.CommandGetFrameTree,
		page.CommandSetLifecycleEventsEnabled,
		runtime.CommandEnable,
		network.CommandEnable,
	}, s.methods())

	main := fs.FrameManager().MainFrame()
	require.NotNil(t, main)
	assert.Equal(t, cdp.FrameID("M"), main.ID())
	require.Len(t, main.ChildFrames(), 1)
	assert.Equal(t, "about:srcdoc", main.ChildFrames()[0].URL())
}

func TestFrameSessionRoutesEvents(t *testing.T) {
	t.Parallel()

	fs, s := newTestFrameSession(t)
	require.NoError(t, fs.Initialize(context.Background()))

	var requests []*Request
	fs.NetworkManager().On(EventRequest, func(ev Event[EventKind]) {
		requests = append(requests, ev.Data.(*Request))
	})

	s.emit(cdproto.EventPageFrameAttached, &page.EventFrameAttached{FrameID: "C2", ParentFrameID: "M"})
	s.emit(cdproto.EventPageFrameNavigated, &page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: "C2", ParentID: "M", URL: "https://example.com/frame"},
	})
	s.emit(cdproto.EventPageLifecycleEvent, &page.EventLifecycleEvent{FrameID: "C2", LoaderID: "L9", Name: "init"})
	s.emit(cdproto.EventPageFrameStoppedLoading, &page.EventFrameStoppedLoading{FrameID: "C2"})
	s.emit(cdproto.EventPageFrameDetached, &page.EventFrameDetached{FrameID: "C"})
	s.emit(cdproto.EventNetworkRequestWillBeSent, willBeSent("R1", "https://example.com/"))

	fm := fs.FrameManager()
	c2 := fm.Frame("C2")
	require.NotNil(t, c2)
	assert.Equal(t, "https://example.com/frame", c2.URL())
	assert.Equal(t, cdp.LoaderID("L9"), c2.LoaderID())
	assert.True(t, c2.HasLifecycleEvent(LifecycleEventLoad))
	assert.Nil(t, fm.Frame("C"))

	s.emit(cdproto.EventPageNavigatedWithinDocument, &page.EventNavigatedWithinDocument{
		FrameID: "C2", URL: "https://example.com/frame#b",
	})
	assert.Equal(t, "https://example.com/frame#b", c2.URL())

	require.Len(t, requests, 1)
	assert.Equal(t, network.RequestID("R1"), requests[0].ID())
}

func TestFrameSessionUnknownFrameNavigated(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	testLogger, hook := test.NewNullLogger()
	s := newFakeSession()
	fs := NewFrameSession(ctx, s, log.New(testLogger, false, nil), nil)

	s.emit(cdproto.EventPageFrameNavigated, &page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: "C9", ParentID: "M", URL: "https://example.com/"},
	})

	assert.Nil(t, fs.FrameManager().Frame("C9"))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "FrameSession:onFrameNavigated", entry.Data["category"])
	assert.Contains(t, entry.Message, ErrFrameNotFound.Error())
}

func TestFrameSessionNavigate(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		fs, s := newTestFrameSession(t)
		s.setResult(page.CommandNavigate, `{"frameId":"M","loaderId":"L2"}`)

		loaderID, err := fs.Navigate(context.Background(), "https://example.com/")
		require.NoError(t, err)
		assert.Equal(t, cdp.LoaderID("L2"), loaderID)
	})

	t.Run("error text", func(t *testing.T) {
		t.Parallel()

		fs, s := newTestFrameSession(t)
		s.setResult(page.CommandNavigate, `{"frameId":"M","errorText":"net::ERR_NAME_NOT_RESOLVED"}`)

		_, err := fs.Navigate(context.Background(), "https://invalid.test/")
		require.EqualError(t, err, `navigating to "https://invalid.test/": net::ERR_NAME_NOT_RESOLVED`)
	})
}

func TestFrameSessionSessionClosed(t *testing.T) {
	t.Parallel()

	fs, s := newTestFrameSession(t)
	require.NoError(t, fs.NetworkManager().SetRequestInterception(context.Background(), true))
	s.emit(cdproto.EventNetworkRequestWillBeSent, willBeSent("R1", "https://example.com/"))

	_, unmatched, _ := fs.NetworkManager().pendingCounts()
	require.Equal(t, 1, unmatched)

	close(s.done)

	require.Eventually(t, func() bool {
		return s.listenerCount() == 0
	}, time.Second, 10*time.Millisecond)
	_, unmatched, _ = fs.NetworkManager().pendingCounts()
	assert.Zero(t, unmatched)
}
