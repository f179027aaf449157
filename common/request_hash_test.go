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
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHash(t *testing.T) {
	t.Parallel()

	t.Run("volatile headers and header case are ignored", func(t *testing.T) {
		t.Parallel()

		sent := requestHash("https://example.com/a%20b", "POST", "q=1", network.Headers{
			"Content-Type": "application/x-www-form-urlencoded",
			"Referer":      "https://example.com/",
			"Cookie":       "session=1",
			"Accept":       "text/html",
		})
		paused := requestHash("https://example.com/a b", "POST", "q=1", network.Headers{
			"content-type": "application/x-www-form-urlencoded",
			"x-devtools-emulate-network-conditions-client-id": "ABC",
		})
		assert.Equal(t, sent, paused)
		assert.JSONEq(t,
			`{"url":"https://example.com/a b","method":"POST","postData":"q=1","headers":{"content-type":"application/x-www-form-urlencoded"}}`,
			sent,
		)
	})

	t.Run("differences that matter", func(t *testing.T) {
		t.Parallel()

		base := requestHash("https://example.com/", "GET", "", network.Headers{"X-Token": "1"})
		assert.NotEqual(t, base, requestHash("https://example.com/", "POST", "", network.Headers{"X-Token": "1"}))
		assert.NotEqual(t, base, requestHash("https://example.com/", "GET", "body", network.Headers{"X-Token": "1"}))
		assert.NotEqual(t, base, requestHash("https://example.com/", "GET", "", network.Headers{"X-Token": "2"}))
		assert.NotEqual(t, base, requestHash("https://example.org/", "GET", "", network.Headers{"X-Token": "1"}))
	})

	t.Run("header names differing in case", func(t *testing.T) {
		t.Parallel()

		headers := network.Headers{"X-Token": "upper", "x-token": "lower", "X-TOKEN": "shout"}
		first := requestHash("https://example.com/", "GET", "", headers)
		assert.JSONEq(t, `{"url":"https://example.com/","method":"GET","postData":"","headers":{"x-token":"lower"}}`, first)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, requestHash("https://example.com/", "GET", "", headers))
		}
	})

	t.Run("headers of data URLs are ignored", func(t *testing.T) {
		t.Parallel()

		a := requestHash("data:text/plain,hi", "GET", "", network.Headers{"X-Token": "1"})
		b := requestHash("data:text/plain,hi", "GET", "", nil)
		assert.Equal(t, a, b)
	})

	t.Run("malformed escapes keep the raw URL", func(t *testing.T) {
		t.Parallel()

		h := requestHash("https://example.com/%zz", "GET", "", nil)
		assert.Contains(t, h, `"url":"https://example.com/%zz"`)
	})
}

func TestRequestHashMultimap(t *testing.T) {
	t.Parallel()

	m := newRequestHashMultimap()
	m.push("h1", "a")
	m.push("h1", "b")
	m.push("h1", "c")
	m.push("h2", "x")
	require.Equal(t, 4, m.len())

	id, ok := m.popFirst("h1")
	require.True(t, ok)
	assert.Equal(t, "a", id)

	assert.True(t, m.remove("h1", "c"))
	assert.False(t, m.remove("h1", "c"))

	id, ok = m.popFirst("h1")
	require.True(t, ok)
	assert.Equal(t, "b", id)

	_, ok = m.popFirst("h1")
	assert.False(t, ok)
	assert.Equal(t, 1, m.len())

	assert.True(t, m.remove("h2", "x"))
	assert.Zero(t, m.len())
	assert.Empty(t, m.queues)
}
