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
	"errors"
	"fmt"
	"io/fs"
	"net/url"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/cdpcore/common"
)

const defaultTargetURL = "about:blank"

func configFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.String("ws-url", "", "browser websocket `endpoint`, e.g. ws://127.0.0.1:9222/devtools/browser/<id>")
	flags.Duration("receive-delay", 0, "delay the dispatch of every received protocol message")
	flags.Bool("offline", false, "emulate a disconnected network")
	flags.String("throttle", "", "emulate a network `profile`: \"Slow 3G\", \"Fast 3G\" or \"No Throttling\"")
	flags.String("user-agent", "", "override the user agent of the page")
	flags.String("username", "", "username answering HTTP authentication challenges")
	flags.String("password", "", "password answering HTTP authentication challenges")
	flags.Bool("intercept", false, "pause every request in the browser and let it continue")
	flags.String("metrics-addr", "", "serve Prometheus metrics on `address`")
	return flags
}

// Config is the configuration of the watch command. Unset values keep
// Valid == false so that each layer only overrides what it sets.
type Config struct {
	WSURL        null.String `yaml:"wsURL" envconfig:"CDPCORE_WS_URL"`
	TargetURL    null.String `yaml:"targetURL" envconfig:"CDPCORE_TARGET_URL"`
	ReceiveDelay null.String `yaml:"receiveDelay" envconfig:"CDPCORE_RECEIVE_DELAY"`
	Offline      null.Bool   `yaml:"offline" envconfig:"CDPCORE_OFFLINE"`
	Throttle     null.String `yaml:"throttle" envconfig:"CDPCORE_THROTTLE"`
	UserAgent    null.String `yaml:"userAgent" envconfig:"CDPCORE_USER_AGENT"`
	Username     null.String `yaml:"username" envconfig:"CDPCORE_USERNAME"`
	Password     null.String `yaml:"password" envconfig:"CDPCORE_PASSWORD"`
	Intercept    null.Bool   `yaml:"intercept" envconfig:"CDPCORE_INTERCEPT"`
	MetricsAddr  null.String `yaml:"metricsAddr" envconfig:"CDPCORE_METRICS_ADDR"`
}

// fileConfig is the on-disk shape of Config.
type fileConfig struct {
	WSURL        *string `yaml:"wsURL"`
	TargetURL    *string `yaml:"targetURL"`
	ReceiveDelay *string `yaml:"receiveDelay"`
	Offline      *bool   `yaml:"offline"`
	Throttle     *string `yaml:"throttle"`
	UserAgent    *string `yaml:"userAgent"`
	Username     *string `yaml:"username"`
	Password     *string `yaml:"password"`
	Intercept    *bool   `yaml:"intercept"`
	MetricsAddr  *string `yaml:"metricsAddr"`
}

// UnmarshalYAML decodes a config file. Keys missing from the file stay unset.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var fc fileConfig
	if err := node.Decode(&fc); err != nil {
		return err
	}
	*c = Config{
		WSURL:        null.StringFromPtr(fc.WSURL),
		TargetURL:    null.StringFromPtr(fc.TargetURL),
		ReceiveDelay: null.StringFromPtr(fc.ReceiveDelay),
		Offline:      null.BoolFromPtr(fc.Offline),
		Throttle:     null.StringFromPtr(fc.Throttle),
		UserAgent:    null.StringFromPtr(fc.UserAgent),
		Username:     null.StringFromPtr(fc.Username),
		Password:     null.StringFromPtr(fc.Password),
		Intercept:    null.BoolFromPtr(fc.Intercept),
		MetricsAddr:  null.StringFromPtr(fc.MetricsAddr),
	}
	return nil
}

// Apply returns c with every value set in cfg overriding it.
func (c Config) Apply(cfg Config) Config {
	if cfg.WSURL.Valid {
		c.WSURL = cfg.WSURL
	}
	if cfg.TargetURL.Valid {
		c.TargetURL = cfg.TargetURL
	}
	if cfg.ReceiveDelay.Valid {
		c.ReceiveDelay = cfg.ReceiveDelay
	}
	if cfg.Offline.Valid {
		c.Offline = cfg.Offline
	}
	if cfg.Throttle.Valid {
		c.Throttle = cfg.Throttle
	}
	if cfg.UserAgent.Valid {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.Username.Valid {
		c.Username = cfg.Username
	}
	if cfg.Password.Valid {
		c.Password = cfg.Password
	}
	if cfg.Intercept.Valid {
		c.Intercept = cfg.Intercept
	}
	if cfg.MetricsAddr.Valid {
		c.MetricsAddr = cfg.MetricsAddr
	}
	return c
}

// Validate checks the consolidated configuration.
func (c Config) Validate() error {
	if c.WSURL.String == "" {
		return errors.New("a browser websocket endpoint is required, set it with --ws-url or CDPCORE_WS_URL")
	}
	u, err := url.Parse(c.WSURL.String)
	if err != nil {
		return fmt.Errorf("parsing websocket endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("websocket endpoint %q must use the ws or wss scheme", c.WSURL.String)
	}
	if _, err := parseNullDuration(c.ReceiveDelay); err != nil {
		return fmt.Errorf("receive delay: %w", err)
	}
	if c.Throttle.String != "" {
		if _, err := common.LookupNetworkProfile(c.Throttle.String); err != nil {
			return err
		}
	}
	if c.Password.String != "" && c.Username.String == "" {
		return errors.New("a password was set without a username")
	}
	return nil
}

func getDefaultConfig() Config {
	return Config{
		TargetURL:    null.NewString(defaultTargetURL, false),
		ReceiveDelay: null.NewString("0s", false),
		Offline:      null.NewBool(false, false),
		Intercept:    null.NewBool(false, false),
	}
}

// Gets configuration from CLI flags.
func getConfig(flags *pflag.FlagSet) Config {
	return Config{
		WSURL:        getNullString(flags, "ws-url"),
		ReceiveDelay: getNullDuration(flags, "receive-delay"),
		Offline:      getNullBool(flags, "offline"),
		Throttle:     getNullString(flags, "throttle"),
		UserAgent:    getNullString(flags, "user-agent"),
		Username:     getNullString(flags, "username"),
		Password:     getNullString(flags, "password"),
		Intercept:    getNullBool(flags, "intercept"),
		MetricsAddr:  getNullString(flags, "metrics-addr"),
	}
}

// readDiskConfig reads the YAML config file. A missing file at the default
// location is not an error.
func readDiskConfig(gs *globalState) (Config, error) {
	path := gs.flags.configFilePath
	data, err := afero.ReadFile(gs.fs, path)
	if errors.Is(err, fs.ErrNotExist) && path == gs.defaultFlags.configFilePath {
		return Config{}, nil
	} else if err != nil {
		return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return conf, nil
}

// Reads configuration variables from the environment.
func readEnvConfig(envMap map[string]string) (Config, error) {
	var conf Config
	err := envconfig.Process("", &conf, func(key string) (string, bool) {
		v, ok := envMap[key]
		return v, ok
	})
	return conf, err
}

// getConsolidatedConfig layers, from lowest to highest priority: defaults,
// the config file, the environment and the CLI flags.
func getConsolidatedConfig(gs *globalState, cliConf Config) (Config, error) {
	fileConf, err := readDiskConfig(gs)
	if err != nil {
		return Config{}, err
	}
	envConf, err := readEnvConfig(gs.envVars)
	if err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	conf := getDefaultConfig().Apply(fileConf).Apply(envConf).Apply(cliConf)
	return conf, conf.Validate()
}
