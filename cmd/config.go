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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6bidi/bidi"
	"github.com/liuxd6825/k6bidi/errext"
	"github.com/liuxd6825/k6bidi/errext/exitcodes"
	"github.com/liuxd6825/k6bidi/lib/types"
)

// Config holds the connection settings shared by the commands that talk to
// a browser.
type Config struct {
	URL              null.String        `json:"url" envconfig:"K6BIDI_URL"`
	Timeout          types.NullDuration `json:"timeout" envconfig:"K6BIDI_TIMEOUT"`
	IDOffset         null.Int           `json:"idOffset" envconfig:"K6BIDI_ID_OFFSET"`
	HandshakeTimeout types.NullDuration `json:"handshakeTimeout" envconfig:"K6BIDI_HANDSHAKE_TIMEOUT"`
	SendRate         null.Float         `json:"sendRate" envconfig:"K6BIDI_SEND_RATE"`
	LogLevel         null.String        `json:"logLevel" envconfig:"K6BIDI_LOG_LEVEL"`
	MetricsAddr      null.String        `json:"metricsAddr" envconfig:"K6BIDI_METRICS_ADDR"`
}

// NewConfig creates a new Config instance with default values for some fields.
func NewConfig() Config {
	return Config{
		URL:              null.NewString("ws://localhost:8080/session", false),
		Timeout:          types.NewNullDuration(bidi.DefaultTimeout, false),
		IDOffset:         null.NewInt(bidi.DefaultIDOffset, false),
		HandshakeTimeout: types.NewNullDuration(60*time.Second, false),
		SendRate:         null.NewFloat(0, false),
		LogLevel:         null.NewString("info", false),
	}
}

// Apply saves config non-zero config values from the passed config in the receiver.
func (c Config) Apply(cfg Config) Config {
	if cfg.URL.Valid {
		c.URL = cfg.URL
	}
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.IDOffset.Valid {
		c.IDOffset = cfg.IDOffset
	}
	if cfg.HandshakeTimeout.Valid {
		c.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.SendRate.Valid {
		c.SendRate = cfg.SendRate
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.MetricsAddr.Valid {
		c.MetricsAddr = cfg.MetricsAddr
	}
	return c
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL.String)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.URL.String, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid url %q: scheme must be ws or wss", c.URL.String)
	}
	if c.HandshakeTimeout.Duration < 0 {
		return fmt.Errorf("handshakeTimeout must not be negative, got %s", c.HandshakeTimeout.Duration)
	}
	if c.IDOffset.Int64 < 0 {
		return fmt.Errorf("idOffset must not be negative, got %d", c.IDOffset.Int64)
	}
	if c.SendRate.Float64 < 0 {
		return fmt.Errorf("sendRate must not be negative, got %v", c.SendRate.Float64)
	}
	return nil
}

// connectionOptions maps the config to the options of a connection.
func (c Config) connectionOptions() (bidi.DialOptions, bidi.Options) {
	timeout := c.Timeout.TimeDuration()
	if c.Timeout.Valid && timeout == 0 {
		timeout = -1 // an explicit zero disables the timeout
	}
	return bidi.DialOptions{
			HandshakeTimeout: c.HandshakeTimeout.TimeDuration(),
		}, bidi.Options{
			IDOffset: c.IDOffset.Int64,
			Timeout:  timeout,
			SendRate: c.SendRate.Float64,
		}
}

func connectionFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringP("url", "u", "ws://localhost:8080/session", "WebDriver BiDi websocket `url` of the browser")
	flags.Duration("timeout", bidi.DefaultTimeout, "time to wait for each command reply, 0 waits forever")
	flags.Int64("id-offset", bidi.DefaultIDOffset, "first command id")
	flags.Duration("handshake-timeout", 60*time.Second, "time allowed for the websocket handshake")
	flags.Float64("send-rate", 0, "maximum commands sent per second, 0 is unlimited")
	flags.String("metrics-addr", "", "serve prometheus metrics on this `address` while running")
	return flags
}

// getConfig returns the values of the connection flags the user set.
func getConfig(flags *pflag.FlagSet) Config {
	return Config{
		URL:              getNullString(flags, "url"),
		Timeout:          getNullDuration(flags, "timeout"),
		IDOffset:         getNullInt64(flags, "id-offset"),
		HandshakeTimeout: getNullDuration(flags, "handshake-timeout"),
		SendRate:         getNullFloat64(flags, "send-rate"),
		MetricsAddr:      getNullString(flags, "metrics-addr"),
	}
}

// GetConsolidatedConfig combines the default config values with the JSON
// config file, the environment and the CLI flags, each one overriding the
// previous ones.
func GetConsolidatedConfig(jsonRawConf []byte, env map[string]string, cliConf Config) (Config, error) {
	result := NewConfig()

	if len(jsonRawConf) > 0 {
		var fileConf Config
		if err := json.Unmarshal(jsonRawConf, &fileConf); err != nil {
			return result, fmt.Errorf("parsing config file: %w", err)
		}
		result = result.Apply(fileConf)
	}

	envConf := Config{}
	if err := envconfig.Process("", &envConf, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return result, err
	}
	result = result.Apply(envConf).Apply(cliConf)

	return result, result.Validate()
}

// readDiskConfig returns the content of the config file. A missing file at
// the default location is not an error.
func readDiskConfig(gs *globalState) ([]byte, error) {
	data, err := gs.readFile(gs.flags.configFilePath)
	if errors.Is(err, fs.ErrNotExist) && gs.flags.configFilePath == gs.defaultFlags.configFilePath {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't load the configuration from %q: %w", gs.flags.configFilePath, err)
	}
	return data, nil
}

// loadConfig consolidates the configuration of a command.
func loadConfig(gs *globalState, flags *pflag.FlagSet) (Config, error) {
	raw, err := readDiskConfig(gs)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	conf, err := GetConsolidatedConfig(raw, gs.envVars, getConfig(flags))
	if err != nil {
		return conf, errext.WithExitCodeIfNone(
			errext.WithHint(err, "check the config file, the K6BIDI_* environment variables and the flags"),
			exitcodes.InvalidConfig,
		)
	}
	return conf, nil
}
