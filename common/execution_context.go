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
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"
)

// ExecutionContext is a JavaScript execution context reported for a frame.
type ExecutionContext struct {
	id        runtime.ExecutionContextID
	frameID   cdp.FrameID
	name      string
	origin    string
	kind      string
	isDefault bool
}

// NewExecutionContext builds a context from its protocol description. The
// owning frame and kind are read from the auxiliary data, e.g.
// {"frameId":"F1","isDefault":true,"type":"default"}.
func NewExecutionContext(desc *runtime.ExecutionContextDescription) *ExecutionContext {
	aux := gjson.ParseBytes(desc.AuxData)
	return &ExecutionContext{
		id:        desc.ID,
		frameID:   cdp.FrameID(aux.Get("frameId").String()),
		name:      desc.Name,
		origin:    desc.Origin,
		kind:      aux.Get("type").String(),
		isDefault: aux.Get("isDefault").Bool(),
	}
}

// ID returns the protocol id of the context.
func (ec *ExecutionContext) ID() runtime.ExecutionContextID {
	return ec.id
}

// FrameID returns the frame the context belongs to, if any.
func (ec *ExecutionContext) FrameID() cdp.FrameID {
	return ec.frameID
}

// Name returns the human readable name of the context.
func (ec *ExecutionContext) Name() string {
	return ec.name
}

// Origin returns the security origin of the context.
func (ec *ExecutionContext) Origin() string {
	return ec.origin
}

// IsDefault reports whether this is the main world context of its frame.
func (ec *ExecutionContext) IsDefault() bool {
	return ec.isDefault
}
