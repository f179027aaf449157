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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Action is a cdproto command without a result.
type Action interface {
	Do(context.Context) error
}

type executorEmitter interface {
	cdp.Executor
	EventEmitter[cdproto.MethodType]
}

// session is what the per-target trackers need from a Session.
type session interface {
	executorEmitter
	ID() target.SessionID
	TargetID() target.ID
	Done() <-chan struct{}
}

// Ensure Session implements the session interface
var _ session = &Session{}
