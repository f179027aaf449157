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
	"net/url"
	"sort"
	"strings"

	"github.com/mailru/easyjson/jwriter"
)

// isVolatileHashHeader reports whether the header differs between the
// intercepted and the sent copy of the same request.
func isVolatileHashHeader(name string) bool {
	switch name {
	case "accept", "referer", "x-devtools-emulate-network-conditions-client-id", "cookie":
		return true
	}
	return false
}

// requestHash returns a stable fingerprint that is equal for the
// Network.requestWillBeSent and Fetch.requestPaused payloads of one request.
func requestHash(rawURL, method, postData string, headers map[string]any) string {
	normalized := rawURL
	if u, err := url.PathUnescape(rawURL); err == nil {
		normalized = u
	}

	var names []string
	values := make(map[string]string)
	if !strings.HasPrefix(normalized, "data:") {
		// Raw names are visited in order so that, among names differing
		// only in case, the last one sorted wins.
		raw := make([]string, 0, len(headers))
		for k := range headers {
			raw = append(raw, k)
		}
		sort.Strings(raw)
		for _, k := range raw {
			name := strings.ToLower(k)
			if isVolatileHashHeader(name) {
				continue
			}
			if _, ok := values[name]; !ok {
				names = append(names, name)
			}
			values[name] = fmt.Sprint(headers[k])
		}
		sort.Strings(names)
	}

	w := jwriter.Writer{}
	w.RawString(`{"url":`)
	w.String(normalized)
	w.RawString(`,"method":`)
	w.String(method)
	w.RawString(`,"postData":`)
	w.String(postData)
	w.RawString(`,"headers":{`)
	for i, name := range names {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(name)
		w.RawByte(':')
		w.String(values[name])
	}
	w.RawString(`}}`)

	return string(w.Buffer.BuildBytes())
}

// requestHashMultimap queues ids per fingerprint, oldest first.
type requestHashMultimap struct {
	queues map[string][]string
}

func newRequestHashMultimap() *requestHashMultimap {
	return &requestHashMultimap{queues: make(map[string][]string)}
}

func (m *requestHashMultimap) push(hash, id string) {
	m.queues[hash] = append(m.queues[hash], id)
}

// popFirst removes and returns the oldest id queued under hash.
func (m *requestHashMultimap) popFirst(hash string) (string, bool) {
	q := m.queues[hash]
	if len(q) == 0 {
		return "", false
	}
	id := q[0]
	if len(q) == 1 {
		delete(m.queues, hash)
	} else {
		m.queues[hash] = q[1:]
	}
	return id, true
}

// remove drops id from the queue of hash, wherever it is.
func (m *requestHashMultimap) remove(hash, id string) bool {
	q := m.queues[hash]
	for i, qid := range q {
		if qid != id {
			continue
		}
		if len(q) == 1 {
			delete(m.queues, hash)
		} else {
			m.queues[hash] = append(q[:i:i], q[i+1:]...)
		}
		return true
	}
	return false
}

// len returns the number of queued ids.
func (m *requestHashMultimap) len() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}
