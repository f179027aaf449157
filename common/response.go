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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// SecurityDetails describes the TLS connection a response arrived over.
type SecurityDetails struct {
	SubjectName string
	Issuer      string
	Protocol    string
	SANList     []string
	ValidFrom   time.Time
	ValidTo     time.Time
}

// Response represents a browser HTTP response.
type Response struct {
	executor cdp.Executor
	request  *Request

	status            int64
	statusText        string
	url               string
	headers           map[string]string
	fromDiskCache     bool
	fromServiceWorker bool
	securityDetails   *SecurityDetails
	remoteAddress     string
	remotePort        int64
	protocol          string

	bodyOnce   sync.Once
	bodyLoaded chan struct{}
	bodyErr    error

	bodyMu      sync.Mutex
	body        []byte
	bodyFetched bool
}

// NewResponse creates a response for req. The body is fetched through exec
// once loading finishes.
func NewResponse(exec cdp.Executor, req *Request, resp *network.Response) *Response {
	r := Response{
		executor:          exec,
		request:           req,
		status:            resp.Status,
		statusText:        resp.StatusText,
		url:               resp.URL,
		headers:           make(map[string]string),
		fromDiskCache:     resp.FromDiskCache,
		fromServiceWorker: resp.FromServiceWorker,
		remoteAddress:     resp.RemoteIPAddress,
		remotePort:        resp.RemotePort,
		protocol:          resp.Protocol,
		bodyLoaded:        make(chan struct{}),
	}
	for n, v := range resp.Headers {
		r.headers[strings.ToLower(n)] = fmt.Sprint(v)
	}
	if sd := resp.SecurityDetails; sd != nil {
		r.securityDetails = &SecurityDetails{
			SubjectName: sd.SubjectName,
			Issuer:      sd.Issuer,
			Protocol:    sd.Protocol,
			SANList:     sd.SanList,
		}
		if sd.ValidFrom != nil {
			r.securityDetails.ValidFrom = sd.ValidFrom.Time()
		}
		if sd.ValidTo != nil {
			r.securityDetails.ValidTo = sd.ValidTo.Time()
		}
	}
	return &r
}

// resolveBody settles the deferred body. A nil err means the body is ready
// to be fetched. Only the first call has an effect.
func (r *Response) resolveBody(err error) {
	r.bodyOnce.Do(func() {
		r.bodyErr = err
		close(r.bodyLoaded)
	})
}

// Body waits for the response to finish loading and returns its body. The
// body is fetched once and cached.
func (r *Response) Body(ctx context.Context) ([]byte, error) {
	select {
	case <-r.bodyLoaded:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.bodyErr != nil {
		return nil, r.bodyErr
	}

	r.bodyMu.Lock()
	defer r.bodyMu.Unlock()
	if r.bodyFetched {
		return r.body, nil
	}
	body, err := network.GetResponseBody(r.request.ID()).Do(cdp.WithExecutor(ctx, r.executor))
	if err != nil {
		return nil, fmt.Errorf("getting response body of %s: %w", r.url, err)
	}
	r.body, r.bodyFetched = body, true

	return r.body, nil
}

// Text returns the body as a string.
func (r *Response) Text(ctx context.Context) (string, error) {
	body, err := r.Body(ctx)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// JSON decodes the body into v.
func (r *Response) JSON(ctx context.Context, v any) error {
	body, err := r.Body(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response body of %s: %w", r.url, err)
	}
	return nil
}

// Ok reports whether the status is 0 or within 200-299.
func (r *Response) Ok() bool {
	return r.status == 0 || (r.status >= 200 && r.status <= 299)
}

// Request returns the request this response answers.
func (r *Response) Request() *Request { return r.request }

// Status returns the HTTP status code.
func (r *Response) Status() int64 { return r.status }

// StatusText returns the HTTP status text.
func (r *Response) StatusText() string { return r.statusText }

// URL returns the response URL.
func (r *Response) URL() string { return r.url }

// Headers returns the response headers. All names are lowercase.
func (r *Response) Headers() map[string]string {
	h := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		h[k] = v
	}
	return h
}

// FromCache reports whether the response came from the disk or memory cache.
func (r *Response) FromCache() bool {
	return r.fromDiskCache || r.request.FromMemoryCache()
}

// FromServiceWorker reports whether a service worker served the response.
func (r *Response) FromServiceWorker() bool { return r.fromServiceWorker }

// SecurityDetails returns the TLS details, or nil for plain connections.
func (r *Response) SecurityDetails() *SecurityDetails { return r.securityDetails }

// RemoteAddress returns the remote IP address and port.
func (r *Response) RemoteAddress() (string, int64) { return r.remoteAddress, r.remotePort }

// Protocol returns the negotiated protocol, e.g. "h2".
func (r *Response) Protocol() string { return r.protocol }
