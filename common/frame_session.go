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
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/liuxd6825/cdpcore/log"
	"github.com/liuxd6825/cdpcore/metrics"
)

// FrameSession routes the events of one page target session to its frame
// and network trackers.
type FrameSession struct {
	ctx     context.Context
	session session
	logger  *log.Logger

	manager        *FrameManager
	networkManager *NetworkManager

	listeners []ListenerID
}

// NewFrameSession creates the trackers of a page target and subscribes them
// to the events of s. Call Initialize to enable the protocol domains.
func NewFrameSession(ctx context.Context, s session, logger *log.Logger, bm *metrics.BuiltinMetrics) *FrameSession {
	fs := FrameSession{
		ctx:     ctx,
		session: s,
		logger:  logger,
		manager: NewFrameManager(logger, bm),
	}
	fs.networkManager = NewNetworkManager(ctx, s, fs.manager, logger, bm)
	fs.initEvents()

	return &fs
}

func (fs *FrameSession) on(method cdproto.MethodType, fn func(ev any)) {
	id := fs.session.On(method, func(ev Event[cdproto.MethodType]) {
		fn(ev.Data)
	})
	fs.listeners = append(fs.listeners, id)
}

func (fs *FrameSession) initEvents() {
	fs.logger.Debugf("FrameSession:initEvents", "sid:%v tid:%v", fs.session.ID(), fs.session.TargetID())

	fs.on(cdproto.EventPageFrameAttached, func(ev any) {
		if ev, ok := ev.(*cdppage.EventFrameAttached); ok {
			fs.manager.frameAttached(ev.FrameID, ev.ParentFrameID)
		}
	})
	fs.on(cdproto.EventPageFrameNavigated, func(ev any) {
		if ev, ok := ev.(*cdppage.EventFrameNavigated); ok && ev.Frame != nil {
			if err := fs.manager.frameNavigated(ev.Frame); err != nil {
				fs.logger.Errorf("FrameSession:onFrameNavigated",
					"sid:%v tid:%v %v", fs.session.ID(), fs.session.TargetID(), err)
			}
		}
	})
	fs.on(cdproto.EventPageNavigatedWithinDocument, func(ev any) {
		if ev, ok := ev.(*cdppage.EventNavigatedWithinDocument); ok {
			fs.manager.frameNavigatedWithinDocument(ev.FrameID, ev.URL)
		}
	})
	fs.on(cdproto.EventPageFrameDetached, func(ev any) {
		if ev, ok := ev.(*cdppage.EventFrameDetached); ok {
			fs.manager.frameDetached(ev.FrameID)
		}
	})
	fs.on(cdproto.EventPageLifecycleEvent, func(ev any) {
		if ev, ok := ev.(*cdppage.EventLifecycleEvent); ok {
			fs.manager.frameLifecycleEvent(ev.FrameID, ev.LoaderID, ev.Name)
		}
	})
	fs.on(cdproto.EventPageFrameStoppedLoading, func(ev any) {
		if ev, ok := ev.(*cdppage.EventFrameStoppedLoading); ok {
			fs.manager.frameStoppedLoading(ev.FrameID)
		}
	})
	fs.on(cdproto.EventRuntimeExecutionContextCreated, func(ev any) {
		if ev, ok := ev.(*cdpruntime.EventExecutionContextCreated); ok && ev.Context != nil {
			fs.manager.executionContextCreated(ev.Context)
		}
	})
	fs.on(cdproto.EventRuntimeExecutionContextDestroyed, func(ev any) {
		if ev, ok := ev.(*cdpruntime.EventExecutionContextDestroyed); ok {
			fs.manager.executionContextDestroyed(ev.ExecutionContextID)
		}
	})
	fs.on(cdproto.EventRuntimeExecutionContextsCleared, func(any) {
		fs.manager.executionContextsCleared()
	})

	fs.on(cdproto.EventNetworkRequestWillBeSent, func(ev any) {
		if ev, ok := ev.(*network.EventRequestWillBeSent); ok {
			fs.networkManager.onRequestWillBeSent(ev)
		}
	})
	fs.on(cdproto.EventFetchRequestPaused, func(ev any) {
		if ev, ok := ev.(*fetch.EventRequestPaused); ok {
			fs.networkManager.onRequestPaused(ev)
		}
	})
	fs.on(cdproto.EventFetchAuthRequired, func(ev any) {
		if ev, ok := ev.(*fetch.EventAuthRequired); ok {
			fs.networkManager.onAuthRequired(ev)
		}
	})
	fs.on(cdproto.EventNetworkRequestServedFromCache, func(ev any) {
		if ev, ok := ev.(*network.EventRequestServedFromCache); ok {
			fs.networkManager.onRequestServedFromCache(ev)
		}
	})
	fs.on(cdproto.EventNetworkResponseReceived, func(ev any) {
		if ev, ok := ev.(*network.EventResponseReceived); ok {
			fs.networkManager.onResponseReceived(ev)
		}
	})
	fs.on(cdproto.EventNetworkLoadingFinished, func(ev any) {
		if ev, ok := ev.(*network.EventLoadingFinished); ok {
			fs.networkManager.onLoadingFinished(ev)
		}
	})
	fs.on(cdproto.EventNetworkLoadingFailed, func(ev any) {
		if ev, ok := ev.(*network.EventLoadingFailed); ok {
			fs.networkManager.onLoadingFailed(ev)
		}
	})

	go func() {
		select {
		case <-fs.session.Done():
			fs.logger.Debugf("FrameSession:initEvents:go:session.done",
				"sid:%v tid:%v", fs.session.ID(), fs.session.TargetID())
			fs.networkManager.reset()
		case <-fs.ctx.Done():
		}
		fs.session.Off(fs.listeners...)
	}()
}

// Initialize enables the protocol domains of the target and builds the
// initial frame tree.
func (fs *FrameSession) Initialize(ctx context.Context) error {
	fs.logger.Debugf("FrameSession:Initialize", "sid:%v tid:%v", fs.session.ID(), fs.session.TargetID())

	exec := cdp.WithExecutor(ctx, fs.session)

	if err := cdppage.Enable().Do(exec); err != nil {
		return fmt.Errorf("enabling page domain: %w", err)
	}
	frameTree, err := cdppage.GetFrameTree().Do(exec)
	if err != nil {
		return fmt.Errorf("getting page frame tree: %w", err)
	}
	if err := fs.manager.handleFrameTree(frameTree); err != nil {
		return fmt.Errorf("handling page frame tree: %w", err)
	}

	actions := []Action{
		cdppage.SetLifecycleEventsEnabled(true),
		cdpruntime.Enable(),
		network.Enable(),
	}
	for _, action := range actions {
		if err := action.Do(exec); err != nil {
			return fmt.Errorf("internal error while enabling %T: %w", action, err)
		}
	}

	return nil
}

// Navigate navigates the main frame to url and returns the loader id of the
// new document.
func (fs *FrameSession) Navigate(ctx context.Context, url string) (cdp.LoaderID, error) {
	fs.logger.Debugf("FrameSession:Navigate", "sid:%v tid:%v url:%q", fs.session.ID(), fs.session.TargetID(), url)

	_, loaderID, errorText, err := cdppage.Navigate(url).Do(cdp.WithExecutor(ctx, fs.session))
	if err != nil {
		return "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return "", fmt.Errorf("navigating to %q: %s", url, errorText)
	}
	return loaderID, nil
}

// FrameManager returns the frame tracker of the target.
func (fs *FrameSession) FrameManager() *FrameManager {
	return fs.manager
}

// NetworkManager returns the network tracker of the target.
func (fs *FrameSession) NetworkManager() *NetworkManager {
	return fs.networkManager
}
