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
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
)

// Credentials holds HTTP authentication credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RedirectChain is the ordered list of requests that led to a request.
// Every hop of a redirect shares the same chain.
type RedirectChain struct {
	mu       sync.RWMutex
	requests []*Request
}

func (c *RedirectChain) append(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, r)
}

// Requests returns the redirected requests, oldest first.
func (c *RedirectChain) Requests() []*Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Request(nil), c.requests...)
}

// Len returns the number of redirects in the chain.
func (c *RedirectChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.requests)
}

// Request represents a browser HTTP request.
type Request struct {
	requestID           network.RequestID
	interceptionID      string
	url                 string
	method              string
	postData            string
	headers             map[string]string
	resourceType        string
	isNavigationRequest bool
	allowInterception   bool
	frame               *Frame
	redirectChain       *RedirectChain
	manager             *NetworkManager

	mu                  sync.RWMutex
	response            *Response
	failureText         string
	fromMemoryCache     bool
	interceptionHandled bool
}

// ContinueOptions overrides parts of an intercepted request. Zero fields
// keep the original value.
type ContinueOptions struct {
	URL      string
	Method   string
	PostData []byte
	Headers  map[string]string
}

// FulfillOptions is the response an intercepted request is fulfilled with.
type FulfillOptions struct {
	// Status defaults to 200.
	Status      int64
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// NewRequest creates a request from its Network.requestWillBeSent payload.
// A nil chain starts a new redirect chain.
func NewRequest(
	event *network.EventRequestWillBeSent, f *Frame, chain *RedirectChain,
	interceptionID string, allowInterception bool,
) *Request {
	if chain == nil {
		chain = &RedirectChain{}
	}
	r := Request{
		requestID:           event.RequestID,
		interceptionID:      interceptionID,
		resourceType:        strings.ToLower(event.Type.String()),
		isNavigationRequest: string(event.RequestID) == string(event.LoaderID) && event.Type == network.ResourceTypeDocument,
		allowInterception:   allowInterception,
		frame:               f,
		redirectChain:       chain,
		headers:             make(map[string]string),
	}
	if event.Request != nil {
		r.url = event.Request.URL
		r.method = event.Request.Method
		r.postData = event.Request.PostData
		for n, v := range event.Request.Headers {
			r.headers[strings.ToLower(n)] = fmt.Sprint(v)
		}
	}
	return &r
}

// ID returns the protocol request id.
func (r *Request) ID() network.RequestID {
	return r.requestID
}

// InterceptionID returns the Fetch domain id of an intercepted request.
func (r *Request) InterceptionID() string {
	return r.interceptionID
}

// URL returns the request URL.
func (r *Request) URL() string {
	return r.url
}

// Method returns the request method.
func (r *Request) Method() string {
	return r.method
}

// PostData returns the request body.
func (r *Request) PostData() string {
	return r.postData
}

// Headers returns the request headers. All names are lowercase.
func (r *Request) Headers() map[string]string {
	h := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		h[k] = v
	}
	return h
}

// ResourceType returns the lowercase resource type, e.g. "document".
func (r *Request) ResourceType() string {
	return r.resourceType
}

// IsNavigationRequest reports whether the request drives a frame navigation.
func (r *Request) IsNavigationRequest() bool {
	return r.isNavigationRequest
}

// Frame returns the frame that issued the request, if it is known.
func (r *Request) Frame() *Frame {
	return r.frame
}

// RedirectChain returns the chain shared by every hop of a redirect.
func (r *Request) RedirectChain() *RedirectChain {
	return r.redirectChain
}

// Response returns the response, or nil until headers arrive.
func (r *Request) Response() *Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.response
}

func (r *Request) setResponse(resp *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.response = resp
}

// Failure returns the error text of a failed request.
func (r *Request) Failure() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failureText
}

func (r *Request) setFailureText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureText = text
}

// FromMemoryCache reports whether the request was served from the memory
// cache.
func (r *Request) FromMemoryCache() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fromMemoryCache
}

func (r *Request) setFromMemoryCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fromMemoryCache = true
}

// Continue lets an intercepted request go on, optionally with overrides.
//
// Request event handlers run on the connection's read loop, so Continue,
// Respond and Abort must be called from another goroutine.
func (r *Request) Continue(ctx context.Context, opts ContinueOptions) error {
	if err := r.handleInterception(); err != nil {
		return err
	}
	return r.manager.continueRequest(ctx, r.interceptionID, opts)
}

// Respond fulfills an intercepted request with opts instead of sending it.
// Requests for data URLs are left alone.
func (r *Request) Respond(ctx context.Context, opts FulfillOptions) error {
	if strings.HasPrefix(r.url, "data:") {
		return nil
	}
	if err := r.handleInterception(); err != nil {
		return err
	}
	return r.manager.fulfillRequest(ctx, r.interceptionID, opts)
}

// Abort fails an intercepted request. errorCode is one of the lowercase
// network error names, e.g. "failed" or "blockedbyclient".
func (r *Request) Abort(ctx context.Context, errorCode string) error {
	reason, ok := errorReasons[errorCode]
	if !ok {
		return fmt.Errorf("unknown error code: %s", errorCode)
	}
	if err := r.handleInterception(); err != nil {
		return err
	}
	return r.manager.abortRequest(ctx, r.interceptionID, reason)
}

// handleInterception marks the request as handled. It fails when the
// request was not intercepted for the user or was already handled.
func (r *Request) handleInterception() error {
	if !r.allowInterception || r.interceptionID == "" || r.manager == nil {
		return ErrInterceptionDisabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interceptionHandled {
		return ErrRequestHandled
	}
	r.interceptionHandled = true
	return nil
}
