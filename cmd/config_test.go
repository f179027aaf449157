/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
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

package cmd

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

const testConfigFile = `
wsURL: ws://127.0.0.1:9222/devtools/browser/file
receiveDelay: 250ms
userAgent: file-agent
intercept: true
`

func TestConfigApply(t *testing.T) {
	t.Parallel()

	base := Config{
		WSURL:     null.StringFrom("ws://base"),
		UserAgent: null.StringFrom("base-agent"),
		Offline:   null.BoolFrom(true),
	}
	conf := base.Apply(Config{
		UserAgent: null.StringFrom("override"),
		Offline:   null.BoolFrom(false),
	})

	assert.Equal(t, "ws://base", conf.WSURL.String)
	assert.Equal(t, "override", conf.UserAgent.String)
	assert.Equal(t, null.BoolFrom(false), conf.Offline)
	assert.False(t, conf.MetricsAddr.Valid)
}

func TestReadDiskConfig(t *testing.T) {
	t.Parallel()

	t.Run("missing default file", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		conf, err := readDiskConfig(ts.globalState)
		require.NoError(t, err)
		assert.Equal(t, Config{}, conf)
	})
	t.Run("missing explicit file", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.flags.configFilePath = "/etc/cdpcore.yaml"
		_, err := readDiskConfig(ts.globalState)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `reading config file "/etc/cdpcore.yaml"`)
	})
	t.Run("partial file", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		require.NoError(t, afero.WriteFile(ts.fs, ts.flags.configFilePath, []byte(testConfigFile), 0o644))

		conf, err := readDiskConfig(ts.globalState)
		require.NoError(t, err)
		assert.Equal(t, null.StringFrom("ws://127.0.0.1:9222/devtools/browser/file"), conf.WSURL)
		assert.Equal(t, null.StringFrom("250ms"), conf.ReceiveDelay)
		assert.Equal(t, null.BoolFrom(true), conf.Intercept)
		assert.False(t, conf.Offline.Valid)
		assert.False(t, conf.TargetURL.Valid)
	})
	t.Run("malformed file", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		require.NoError(t, afero.WriteFile(ts.fs, ts.flags.configFilePath, []byte("offline: [nope"), 0o644))

		_, err := readDiskConfig(ts.globalState)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})
}

func TestReadEnvConfig(t *testing.T) {
	t.Parallel()

	conf, err := readEnvConfig(map[string]string{
		"CDPCORE_WS_URL":   "ws://env",
		"CDPCORE_OFFLINE":  "true",
		"CDPCORE_USERNAME": "user",
		"UNRELATED":        "x",
	})
	require.NoError(t, err)
	assert.Equal(t, null.StringFrom("ws://env"), conf.WSURL)
	assert.Equal(t, null.BoolFrom(true), conf.Offline)
	assert.Equal(t, null.StringFrom("user"), conf.Username)
	assert.False(t, conf.Password.Valid)
	assert.False(t, conf.Intercept.Valid)
}

func TestConsolidatedConfig(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	require.NoError(t, afero.WriteFile(ts.fs, ts.flags.configFilePath, []byte(testConfigFile), 0o644))
	ts.envVars["CDPCORE_USER_AGENT"] = "env-agent"
	ts.envVars["CDPCORE_OFFLINE"] = "true"

	flags := configFlagSet()
	require.NoError(t, flags.Parse([]string{"--receive-delay", "1s", "--metrics-addr", "localhost:9090"}))

	conf, err := getConsolidatedConfig(ts.globalState, getConfig(flags))
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/file", conf.WSURL.String)
	assert.Equal(t, defaultTargetURL, conf.TargetURL.String)
	assert.Equal(t, "env-agent", conf.UserAgent.String)
	assert.True(t, conf.Offline.Bool)
	assert.True(t, conf.Intercept.Bool)
	assert.Equal(t, "localhost:9090", conf.MetricsAddr.String)

	d, err := parseNullDuration(conf.ReceiveDelay)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestConfigFlagsOnlyWhenChanged(t *testing.T) {
	t.Parallel()

	flags := configFlagSet()
	require.NoError(t, flags.Parse([]string{"--offline"}))

	conf := getConfig(flags)
	assert.Equal(t, null.BoolFrom(true), conf.Offline)
	assert.False(t, conf.Intercept.Valid)
	assert.False(t, conf.ReceiveDelay.Valid)
	assert.False(t, conf.WSURL.Valid)
}

func TestParseNullDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in      null.String
		want    time.Duration
		wantErr bool
	}{
		{in: null.String{}, want: 0},
		{in: null.StringFrom(""), want: 0},
		{in: null.StringFrom("150ms"), want: 150 * time.Millisecond},
		{in: null.StringFrom("2s"), want: 2 * time.Second},
		{in: null.StringFrom("-1s"), wantErr: true},
		{in: null.StringFrom("fast"), wantErr: true},
	}
	for _, tc := range testCases {
		d, err := parseNullDuration(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in.String)
			continue
		}
		require.NoError(t, err, tc.in.String)
		assert.Equal(t, tc.want, d, tc.in.String)
	}
}
