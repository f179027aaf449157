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

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	t.Run("reply", func(t *testing.T) {
		t.Parallel()

		msg, err := decodeMessage([]byte(`{"id":7,"result":{"frameId":"F1"},"sessionId":"ignored"}`))
		require.NoError(t, err)
		assert.Equal(t, int64(7), msg.ID)
		assert.Empty(t, msg.Method)
		assert.JSONEq(t, `{"frameId":"F1"}`, string(msg.Result))
		assert.Nil(t, msg.Error)
	})

	t.Run("error reply", func(t *testing.T) {
		t.Parallel()

		msg, err := decodeMessage([]byte(
			`{"id":3,"error":{"code":-32000,"message":"Cannot find context with specified id","data":{"reason":"gone"}}}`,
		))
		require.NoError(t, err)
		require.NotNil(t, msg.Error)
		assert.Equal(t, int64(-32000), msg.Error.Code)

		perr := msg.protocolError("Runtime.evaluate")
		assert.Equal(t, "Runtime.evaluate", perr.Method)
		assert.True(t, perr.Remote())
		assert.EqualError(t, perr,
			`Protocol error (Runtime.evaluate): Cannot find context with specified id {"reason":"gone"}`)
	})

	t.Run("event", func(t *testing.T) {
		t.Parallel()

		msg, err := decodeMessage([]byte(`{"method":"Page.frameStoppedLoading","params":{"frameId":"F1"}}`))
		require.NoError(t, err)
		assert.Zero(t, msg.ID)
		assert.Equal(t, "Page.frameStoppedLoading", msg.Method.String())
		assert.JSONEq(t, `{"frameId":"F1"}`, string(msg.Params))
	})

	t.Run("event without params decodes through cdproto", func(t *testing.T) {
		t.Parallel()

		msg, err := decodeMessage([]byte(`{"method":"Runtime.executionContextsCleared"}`))
		require.NoError(t, err)
		assert.Equal(t, "{}", string(msg.cdprotoMessage().Params))
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()

		_, err := decodeMessage([]byte(`{"id":`))
		require.Error(t, err)
	})
}

func TestEncodeMessage(t *testing.T) {
	t.Parallel()

	params, err := easyjson.Marshal(target.SendMessageToTarget(`{"id":1,"method":"Page.enable"}`).WithSessionID("S1"))
	require.NoError(t, err)

	buf, err := encodeMessage(&Message{
		ID:     12,
		Method: target.CommandSendMessageToTarget,
		Params: params,
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":12,"method":"Target.sendMessageToTarget","params":{"message":"{\"id\":1,\"method\":\"Page.enable\"}","sessionId":"S1"}}`,
		string(buf),
	)

	buf, err = encodeMessage(&Message{ID: 1, Method: "Page.enable"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"method":"Page.enable"}`, string(buf), "empty params are omitted")
}
