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
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/liuxd6825/cdpcore/log"
	"github.com/liuxd6825/cdpcore/metrics"
)

// Ensure NetworkManager implements the EventEmitter interface
var _ EventEmitter[EventKind] = &NetworkManager{}

// stashedWillBeSent is a Network.requestWillBeSent waiting for its
// Fetch.requestPaused counterpart.
type stashedWillBeSent struct {
	event *network.EventRequestWillBeSent
	hash  string
	chain *RedirectChain
}

// stashedPaused is a Fetch.requestPaused waiting for its
// Network.requestWillBeSent counterpart.
type stashedPaused struct {
	event *fetch.EventRequestPaused
	hash  string
}

type networkEvent struct {
	kind EventKind
	data any
}

// NetworkManager correlates the Network and Fetch domain notifications of a
// page target into one request lifecycle per HTTP request.
type NetworkManager struct {
	BaseEventEmitter[EventKind]

	ctx          context.Context
	executor     cdp.Executor
	frameManager *FrameManager
	logger       *log.Logger
	metrics      *metrics.BuiltinMetrics
	id           int64

	mu                           sync.Mutex
	requestIDToRequest           map[network.RequestID]*Request
	interceptionIDToRequest      map[string]*Request
	requestIDToWillBeSent        map[network.RequestID]*stashedWillBeSent
	interceptionIDToPaused       map[string]*stashedPaused
	requestHashToRequestIDs      *requestHashMultimap
	requestHashToInterceptionIDs *requestHashMultimap
	attemptedAuth                map[string]bool

	extraHTTPHeaders               map[string]string
	offline                        bool
	networkProfile                 NetworkProfile
	credentials                    *Credentials
	userReqInterceptionEnabled     bool
	protocolReqInterceptionEnabled bool
}

// networkManagerID is used for giving a unique ID to a network manager
var networkManagerID int64

// NewNetworkManager creates a network tracker that issues its protocol
// calls through exec and resolves frames through fm. ctx bounds the calls
// the manager issues on its own.
func NewNetworkManager(
	ctx context.Context, exec cdp.Executor, fm *FrameManager, logger *log.Logger, bm *metrics.BuiltinMetrics,
) *NetworkManager {
	m := NetworkManager{
		ctx:              ctx,
		executor:         exec,
		frameManager:     fm,
		logger:           logger,
		metrics:          bm,
		id:               atomic.AddInt64(&networkManagerID, 1),
		extraHTTPHeaders: make(map[string]string),
		networkProfile:   NewNetworkProfile(),
	}
	m.resetLocked()
	if fm != nil {
		fm.On(EventFrameDetached, func(ev Event[EventKind]) {
			if f, ok := ev.Data.(*Frame); ok {
				m.evictFrame(f.ID())
			}
		})
	}
	return &m
}

func (m *NetworkManager) resetLocked() {
	m.requestIDToRequest = make(map[network.RequestID]*Request)
	m.interceptionIDToRequest = make(map[string]*Request)
	m.requestIDToWillBeSent = make(map[network.RequestID]*stashedWillBeSent)
	m.interceptionIDToPaused = make(map[string]*stashedPaused)
	m.requestHashToRequestIDs = newRequestHashMultimap()
	m.requestHashToInterceptionIDs = newRequestHashMultimap()
	m.attemptedAuth = make(map[string]bool)
}

// reset drops every in-flight and unmatched request.
func (m *NetworkManager) reset() {
	m.logger.Debugf("NetworkManager:reset", "nmid:%d", m.id)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// evictFrame drops the unmatched payloads issued for a detached frame.
func (m *NetworkManager) evictFrame(frameID cdp.FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted int
	for rid, s := range m.requestIDToWillBeSent {
		if s.event.FrameID != frameID {
			continue
		}
		m.requestHashToRequestIDs.remove(s.hash, string(rid))
		delete(m.requestIDToWillBeSent, rid)
		evicted++
	}
	for iid, s := range m.interceptionIDToPaused {
		if s.event.FrameID != frameID {
			continue
		}
		m.requestHashToInterceptionIDs.remove(s.hash, iid)
		delete(m.interceptionIDToPaused, iid)
		evicted++
	}
	if evicted > 0 {
		m.logger.Debugf("NetworkManager:evictFrame", "nmid:%d fid:%v evicted:%d", m.id, frameID, evicted)
	}
}

func (m *NetworkManager) emitAll(events []networkEvent) {
	for _, ev := range events {
		m.emit(ev.kind, ev.data)
	}
}

// goExecute runs action without waiting for it. Failures are logged.
func (m *NetworkManager) goExecute(category string, action Action) {
	go func() {
		if err := action.Do(cdp.WithExecutor(m.ctx, m.executor)); err != nil {
			m.logger.Errorf(category, "nmid:%d executing %T: %v", m.id, action, err)
		}
	}()
}

func (m *NetworkManager) onRequestWillBeSent(event *network.EventRequestWillBeSent) {
	m.logger.Debugf("NetworkManager:onRequestWillBeSent",
		"nmid:%d rid:%s fid:%v url:%s", m.id, event.RequestID, event.FrameID, requestURL(event.Request))

	var events []networkEvent

	m.mu.Lock()
	var chain *RedirectChain
	if event.RedirectResponse != nil {
		if req := m.requestIDToRequest[event.RequestID]; req != nil {
			events = append(events, m.handleRequestRedirectLocked(req, event.RedirectResponse)...)
			chain = req.redirectChain
		}
	}

	if !m.protocolReqInterceptionEnabled {
		events = append(events, m.startRequestLocked(event, "", chain))
		m.mu.Unlock()
		m.emitAll(events)
		return
	}

	hash := requestHashOf(event.Request)
	if iid, ok := m.requestHashToInterceptionIDs.popFirst(hash); ok {
		delete(m.interceptionIDToPaused, iid)
		events = append(events, m.startRequestLocked(event, iid, chain))
	} else {
		m.requestHashToRequestIDs.push(hash, string(event.RequestID))
		m.requestIDToWillBeSent[event.RequestID] = &stashedWillBeSent{
			event: event,
			hash:  hash,
			chain: chain,
		}
	}
	m.mu.Unlock()

	m.emitAll(events)
}

func (m *NetworkManager) onRequestPaused(event *fetch.EventRequestPaused) {
	iid := string(event.RequestID)

	m.logger.Debugf("NetworkManager:onRequestPaused",
		"nmid:%d iid:%s fid:%v url:%s", m.id, iid, event.FrameID, requestURL(event.Request))

	m.mu.Lock()
	if !m.userReqInterceptionEnabled && m.protocolReqInterceptionEnabled {
		m.goExecute("NetworkManager:onRequestPaused", fetch.ContinueRequest(event.RequestID))
	}

	hash := requestHashOf(event.Request)
	rid, ok := m.requestHashToRequestIDs.popFirst(hash)
	if !ok {
		m.requestHashToInterceptionIDs.push(hash, iid)
		m.interceptionIDToPaused[iid] = &stashedPaused{event: event, hash: hash}
		m.mu.Unlock()
		return
	}
	stashed := m.requestIDToWillBeSent[network.RequestID(rid)]
	delete(m.requestIDToWillBeSent, network.RequestID(rid))
	if stashed == nil {
		m.mu.Unlock()
		return
	}
	ev := m.startRequestLocked(stashed.event, iid, stashed.chain)
	m.mu.Unlock()

	m.emit(ev.kind, ev.data)
}

func (m *NetworkManager) onAuthRequired(event *fetch.EventAuthRequired) {
	var (
		res = fetch.AuthChallengeResponseResponseDefault
		iid = string(event.RequestID)

		username, password string
	)

	m.mu.Lock()
	switch {
	case m.attemptedAuth[iid]:
		res = fetch.AuthChallengeResponseResponseCancelAuth
	case m.credentials != nil:
		m.attemptedAuth[iid] = true
		res = fetch.AuthChallengeResponseResponseProvideCredentials
		// Username and password are only allowed with ProvideCredentials.
		username, password = m.credentials.Username, m.credentials.Password
	}
	m.mu.Unlock()

	m.logger.Debugf("NetworkManager:onAuthRequired", "nmid:%d iid:%s response:%s", m.id, iid, res)

	m.goExecute("NetworkManager:onAuthRequired", fetch.ContinueWithAuth(
		event.RequestID,
		&fetch.AuthChallengeResponse{
			Response: res,
			Username: username,
			Password: password,
		},
	))
}

func (m *NetworkManager) onRequestServedFromCache(event *network.EventRequestServedFromCache) {
	if req := m.requestFromID(event.RequestID); req != nil {
		req.setFromMemoryCache()
	}
}

func (m *NetworkManager) onResponseReceived(event *network.EventResponseReceived) {
	req := m.requestFromID(event.RequestID)
	if req == nil || event.Response == nil {
		return
	}
	resp := NewResponse(m.executor, req, event.Response)
	req.setResponse(resp)
	m.emit(EventResponse, resp)
}

func (m *NetworkManager) onLoadingFinished(event *network.EventLoadingFinished) {
	m.mu.Lock()
	req := m.requestIDToRequest[event.RequestID]
	if req == nil {
		m.mu.Unlock()
		return
	}
	m.forgetRequestLocked(req)
	m.mu.Unlock()

	if resp := req.Response(); resp != nil {
		resp.resolveBody(nil)
	}
	m.metrics.NetworkRequest(metrics.OutcomeFinished)
	m.emit(EventRequestFinished, req)
}

func (m *NetworkManager) onLoadingFailed(event *network.EventLoadingFailed) {
	m.mu.Lock()
	req := m.requestIDToRequest[event.RequestID]
	if req == nil {
		if s, ok := m.requestIDToWillBeSent[event.RequestID]; ok {
			m.requestHashToRequestIDs.remove(s.hash, string(event.RequestID))
			delete(m.requestIDToWillBeSent, event.RequestID)
			m.logger.Debugf("NetworkManager:onLoadingFailed",
				"nmid:%d rid:%s dropped unmatched request: %s", m.id, event.RequestID, event.ErrorText)
		}
		m.mu.Unlock()
		return
	}
	m.forgetRequestLocked(req)
	m.mu.Unlock()

	req.setFailureText(event.ErrorText)
	if resp := req.Response(); resp != nil {
		resp.resolveBody(fmt.Errorf("loading %s failed: %s", req.url, event.ErrorText))
	}
	m.metrics.NetworkRequest(metrics.OutcomeFailed)
	m.emit(EventRequestFailed, req)
}

func (m *NetworkManager) handleRequestRedirectLocked(req *Request, redirectResponse *network.Response) []networkEvent {
	resp := NewResponse(m.executor, req, redirectResponse)
	resp.resolveBody(ErrRedirectResponseBody)
	req.setResponse(resp)
	req.redirectChain.append(req)
	m.forgetRequestLocked(req)
	m.metrics.NetworkRequest(metrics.OutcomeRedirected)

	return []networkEvent{
		{kind: EventResponse, data: resp},
		{kind: EventRequestFinished, data: req},
	}
}

func (m *NetworkManager) startRequestLocked(
	event *network.EventRequestWillBeSent, interceptionID string, chain *RedirectChain,
) networkEvent {
	var frame *Frame
	if event.FrameID != "" && m.frameManager != nil {
		frame = m.frameManager.Frame(event.FrameID)
	}
	if frame == nil {
		m.logger.Debugf("NetworkManager:startRequest",
			"nmid:%d rid:%s fid:%v frame is nil", m.id, event.RequestID, event.FrameID)
	}

	req := NewRequest(event, frame, chain, interceptionID, m.userReqInterceptionEnabled)
	req.manager = m
	m.requestIDToRequest[req.requestID] = req
	if interceptionID != "" {
		m.interceptionIDToRequest[interceptionID] = req
	}
	m.metrics.NetworkRequest(metrics.OutcomeStarted)

	return networkEvent{kind: EventRequest, data: req}
}

func (m *NetworkManager) forgetRequestLocked(req *Request) {
	delete(m.requestIDToRequest, req.requestID)
	if req.interceptionID != "" {
		delete(m.interceptionIDToRequest, req.interceptionID)
		delete(m.attemptedAuth, req.interceptionID)
	}
}

func (m *NetworkManager) requestFromID(reqID network.RequestID) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestIDToRequest[reqID]
}

func (m *NetworkManager) pendingCounts() (requests, unmatchedRequestIDs, unmatchedInterceptionIDs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requestIDToRequest), m.requestHashToRequestIDs.len(), m.requestHashToInterceptionIDs.len()
}

func (m *NetworkManager) execute(ctx context.Context, actions ...Action) error {
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(ctx, m.executor)); err != nil {
			return fmt.Errorf("executing %T: %w", action, err)
		}
	}
	return nil
}

func (m *NetworkManager) updateProtocolRequestInterception(ctx context.Context) error {
	m.mu.Lock()
	enabled := m.userReqInterceptionEnabled || m.credentials != nil
	if enabled == m.protocolReqInterceptionEnabled {
		m.mu.Unlock()
		return nil
	}
	m.protocolReqInterceptionEnabled = enabled
	m.mu.Unlock()

	m.logger.Debugf("NetworkManager:updateProtocolRequestInterception", "nmid:%d enabled:%t", m.id, enabled)

	if !enabled {
		return m.execute(ctx, network.SetCacheDisabled(false), fetch.Disable())
	}
	return m.execute(ctx,
		network.SetCacheDisabled(true),
		fetch.Enable().
			WithHandleAuthRequests(true).
			WithPatterns([]*fetch.RequestPattern{
				{
					URLPattern:   "*",
					RequestStage: fetch.RequestStageRequest,
				},
			}),
	)
}

var errorReasons = map[string]network.ErrorReason{
	"aborted":              network.ErrorReasonAborted,
	"accessdenied":         network.ErrorReasonAccessDenied,
	"addressunreachable":   network.ErrorReasonAddressUnreachable,
	"blockedbyclient":      network.ErrorReasonBlockedByClient,
	"blockedbyresponse":    network.ErrorReasonBlockedByResponse,
	"connectionaborted":    network.ErrorReasonConnectionAborted,
	"connectionclosed":     network.ErrorReasonConnectionClosed,
	"connectionfailed":     network.ErrorReasonConnectionFailed,
	"connectionrefused":    network.ErrorReasonConnectionRefused,
	"connectionreset":      network.ErrorReasonConnectionReset,
	"internetdisconnected": network.ErrorReasonInternetDisconnected,
	"namenotresolved":      network.ErrorReasonNameNotResolved,
	"timedout":             network.ErrorReasonTimedOut,
	"failed":               network.ErrorReasonFailed,
}

func (m *NetworkManager) continueRequest(ctx context.Context, iid string, opts ContinueOptions) error {
	m.logger.Debugf("NetworkManager:continueRequest", "nmid:%d iid:%s", m.id, iid)

	action := fetch.ContinueRequest(fetch.RequestID(iid))
	if opts.URL != "" {
		action = action.WithURL(opts.URL)
	}
	if opts.Method != "" {
		action = action.WithMethod(opts.Method)
	}
	if len(opts.PostData) > 0 {
		action = action.WithPostData(base64.StdEncoding.EncodeToString(opts.PostData))
	}
	if len(opts.Headers) > 0 {
		action = action.WithHeaders(toFetchHeaders(opts.Headers))
	}

	if err := action.Do(cdp.WithExecutor(ctx, m.executor)); err != nil {
		// The browser forgets interception ids of requests that are no
		// longer needed, e.g. after the page navigated away.
		if strings.Contains(err.Error(), "Invalid InterceptionId") {
			m.logger.Debugf("NetworkManager:continueRequest", "nmid:%d iid:%s: %v", m.id, iid, err)
			return nil
		}
		return fmt.Errorf("continuing request %s: %w", iid, err)
	}
	return nil
}

func (m *NetworkManager) fulfillRequest(ctx context.Context, iid string, opts FulfillOptions) error {
	m.logger.Debugf("NetworkManager:fulfillRequest", "nmid:%d iid:%s status:%d", m.id, iid, opts.Status)

	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(opts.Headers)+2)
	for n, v := range opts.Headers {
		headers[strings.ToLower(n)] = v
	}
	if opts.ContentType != "" {
		headers["content-type"] = opts.ContentType
	}
	if _, ok := headers["content-length"]; !ok && len(opts.Body) > 0 {
		headers["content-length"] = strconv.Itoa(len(opts.Body))
	}

	action := fetch.FulfillRequest(fetch.RequestID(iid), status)
	if text := http.StatusText(int(status)); text != "" {
		action = action.WithResponsePhrase(text)
	}
	if len(headers) > 0 {
		action = action.WithResponseHeaders(toFetchHeaders(headers))
	}
	if len(opts.Body) > 0 {
		action = action.WithBody(base64.StdEncoding.EncodeToString(opts.Body))
	}

	if err := action.Do(cdp.WithExecutor(ctx, m.executor)); err != nil {
		return fmt.Errorf("fulfilling request %s: %w", iid, err)
	}
	return nil
}

func (m *NetworkManager) abortRequest(ctx context.Context, iid string, reason network.ErrorReason) error {
	m.logger.Debugf("NetworkManager:abortRequest", "nmid:%d iid:%s reason:%s", m.id, iid, reason)

	if err := fetch.FailRequest(fetch.RequestID(iid), reason).Do(cdp.WithExecutor(ctx, m.executor)); err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debugf("NetworkManager:abortRequest", "nmid:%d iid:%s: %v", m.id, iid, err)
			return nil
		}
		return fmt.Errorf("aborting request %s: %w", iid, err)
	}
	return nil
}

// toFetchHeaders returns headers sorted by name.
func toFetchHeaders(headers map[string]string) []*fetch.HeaderEntry {
	names := make([]string, 0, len(headers))
	for n := range headers {
		names = append(names, n)
	}
	sort.Strings(names)

	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: n, Value: headers[n]})
	}
	return entries
}

// Authenticate sets HTTP authentication credentials to use. A nil value
// clears them.
func (m *NetworkManager) Authenticate(ctx context.Context, credentials *Credentials) error {
	m.mu.Lock()
	m.credentials = credentials
	m.mu.Unlock()

	if err := m.updateProtocolRequestInterception(ctx); err != nil {
		return fmt.Errorf("setting authentication credentials: %w", err)
	}
	return nil
}

// SetRequestInterception turns request interception on or off.
func (m *NetworkManager) SetRequestInterception(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	m.userReqInterceptionEnabled = enabled
	m.mu.Unlock()

	if err := m.updateProtocolRequestInterception(ctx); err != nil {
		return fmt.Errorf("setting request interception: %w", err)
	}
	return nil
}

// ExtraHTTPHeaders returns the currently set extra HTTP request headers.
func (m *NetworkManager) ExtraHTTPHeaders() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := make(map[string]string, len(m.extraHTTPHeaders))
	for k, v := range m.extraHTTPHeaders {
		h[k] = v
	}
	return h
}

// SetExtraHTTPHeaders sets extra HTTP request headers to be sent with every
// request. Header names are lowercased.
func (m *NetworkManager) SetExtraHTTPHeaders(ctx context.Context, headers map[string]string) error {
	lowered := make(map[string]string, len(headers))
	params := make(network.Headers, len(headers))
	for k, v := range headers {
		k = strings.ToLower(k)
		lowered[k] = v
		params[k] = v
	}

	m.mu.Lock()
	m.extraHTTPHeaders = lowered
	m.mu.Unlock()

	if err := m.execute(ctx, network.SetExtraHTTPHeaders(params)); err != nil {
		return fmt.Errorf("setting extra HTTP headers: %w", err)
	}
	return nil
}

// SetOfflineMode toggles offline mode on/off.
func (m *NetworkManager) SetOfflineMode(ctx context.Context, offline bool) error {
	m.mu.Lock()
	if m.offline == offline {
		m.mu.Unlock()
		return nil
	}
	m.offline = offline
	profile := m.networkProfile
	m.mu.Unlock()

	if err := m.emulateNetworkConditions(ctx, offline, profile); err != nil {
		return fmt.Errorf("setting offline mode: %w", err)
	}
	return nil
}

// ThrottleNetwork slows the network down to profile. The offline state is
// kept.
func (m *NetworkManager) ThrottleNetwork(ctx context.Context, profile NetworkProfile) error {
	m.mu.Lock()
	m.networkProfile = profile
	offline := m.offline
	m.mu.Unlock()

	if err := m.emulateNetworkConditions(ctx, offline, profile); err != nil {
		return fmt.Errorf("throttling network: %w", err)
	}
	return nil
}

func (m *NetworkManager) emulateNetworkConditions(ctx context.Context, offline bool, p NetworkProfile) error {
	return m.execute(ctx, network.EmulateNetworkConditions(offline, p.Latency, p.Download, p.Upload))
}

// SetUserAgent overrides the browser user agent string.
func (m *NetworkManager) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := m.execute(ctx, network.SetUserAgentOverride(userAgent)); err != nil {
		return fmt.Errorf("setting user agent override: %w", err)
	}
	return nil
}

func requestURL(r *network.Request) string {
	if r == nil {
		return ""
	}
	return r.URL
}

func requestHashOf(r *network.Request) string {
	if r == nil {
		return requestHash("", "", "", nil)
	}
	return requestHash(r.URL, r.Method, r.PostData, r.Headers)
}
