/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2019 Load Impact
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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6bidi/bidi"
	"github.com/liuxd6825/k6bidi/lib/types"
)

func TestConfigFlags(t *testing.T) {
	t.Parallel()

	t.Run("NoArgs", func(t *testing.T) {
		t.Parallel()
		fs := connectionFlagSet()
		require.NoError(t, fs.Parse(nil))
		assert.Equal(t, Config{}, withoutDefaults(getConfig(fs)))
	})
	t.Run("AllArgs", func(t *testing.T) {
		t.Parallel()
		fs := connectionFlagSet()
		require.NoError(t, fs.Parse([]string{
			"--url", "ws://127.0.0.1:9222/session",
			"--timeout", "5s",
			"--id-offset", "1",
			"--handshake-timeout", "2s",
			"--send-rate", "10",
			"--metrics-addr", "127.0.0.1:9090",
		}))
		assert.Equal(t, Config{
			URL:              null.StringFrom("ws://127.0.0.1:9222/session"),
			Timeout:          types.NullDurationFrom(5 * time.Second),
			IDOffset:         null.IntFrom(1),
			HandshakeTimeout: types.NullDurationFrom(2 * time.Second),
			SendRate:         null.FloatFrom(10),
			MetricsAddr:      null.StringFrom("127.0.0.1:9090"),
		}, getConfig(fs))
	})
}

// withoutDefaults drops the values that were not set explicitly.
func withoutDefaults(c Config) Config {
	return Config{}.Apply(c)
}

func TestConfigEnv(t *testing.T) {
	t.Parallel()

	testdata := map[struct{ Name, Key string }]map[string]func(*testing.T, Config){
		{"URL", "K6BIDI_URL"}: {
			"": func(t *testing.T, c Config) {
				assert.Equal(t, null.NewString("ws://localhost:8080/session", false), c.URL)
			},
			"ws://localhost:1234": func(t *testing.T, c Config) {
				assert.Equal(t, null.StringFrom("ws://localhost:1234"), c.URL)
			},
		},
		{"Timeout", "K6BIDI_TIMEOUT"}: {
			"10s":  func(t *testing.T, c Config) { assert.Equal(t, types.NullDurationFrom(10*time.Second), c.Timeout) },
			"1500": func(t *testing.T, c Config) { assert.Equal(t, types.NullDurationFrom(1500*time.Millisecond), c.Timeout) },
		},
		{"IDOffset", "K6BIDI_ID_OFFSET"}: {
			"1": func(t *testing.T, c Config) { assert.Equal(t, null.IntFrom(1), c.IDOffset) },
		},
		{"SendRate", "K6BIDI_SEND_RATE"}: {
			"2.5": func(t *testing.T, c Config) { assert.Equal(t, null.FloatFrom(2.5), c.SendRate) },
		},
		{"MetricsAddr", "K6BIDI_METRICS_ADDR"}: {
			":9090": func(t *testing.T, c Config) { assert.Equal(t, null.StringFrom(":9090"), c.MetricsAddr) },
		},
	}
	for field, data := range testdata {
		field, data := field, data
		t.Run(field.Name, func(t *testing.T) {
			t.Parallel()
			for value, fn := range data {
				value, fn := value, fn
				t.Run(`"`+value+`"`, func(t *testing.T) {
					t.Parallel()
					env := map[string]string{field.Key: value}
					conf, err := GetConsolidatedConfig(nil, env, Config{})
					require.NoError(t, err)
					fn(t, conf)
				})
			}
		})
	}
}

func TestConfigApply(t *testing.T) {
	t.Parallel()

	conf := NewConfig().Apply(Config{Timeout: types.NullDurationFrom(time.Second)})
	assert.Equal(t, types.NullDurationFrom(time.Second), conf.Timeout)
	assert.Equal(t, null.NewString("ws://localhost:8080/session", false), conf.URL)

	conf = conf.Apply(Config{URL: null.StringFrom("ws://other/session"), Timeout: types.NullDuration{}})
	assert.Equal(t, null.StringFrom("ws://other/session"), conf.URL)
	assert.Equal(t, types.NullDurationFrom(time.Second), conf.Timeout)
}

func TestGetConsolidatedConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		conf, err := GetConsolidatedConfig(nil, nil, Config{})
		require.NoError(t, err)
		assert.Equal(t, NewConfig(), conf)

		dopts, opts := conf.connectionOptions()
		assert.Equal(t, 60*time.Second, dopts.HandshakeTimeout)
		assert.Equal(t, bidi.DefaultTimeout, opts.Timeout)
		assert.Equal(t, bidi.DefaultIDOffset, opts.IDOffset)
	})

	t.Run("layering", func(t *testing.T) {
		t.Parallel()
		file := []byte(`{"url":"ws://file/session","timeout":"3s","idOffset":5,"sendRate":1}`)
		env := map[string]string{"K6BIDI_TIMEOUT": "4s", "K6BIDI_ID_OFFSET": "6"}
		cli := Config{IDOffset: null.IntFrom(7)}

		conf, err := GetConsolidatedConfig(file, env, cli)
		require.NoError(t, err)
		assert.Equal(t, null.StringFrom("ws://file/session"), conf.URL)
		assert.Equal(t, types.NullDurationFrom(4*time.Second), conf.Timeout)
		assert.Equal(t, null.IntFrom(7), conf.IDOffset)
		assert.Equal(t, null.FloatFrom(1), conf.SendRate)
	})

	t.Run("explicit zero timeout disables it", func(t *testing.T) {
		t.Parallel()
		conf, err := GetConsolidatedConfig(nil, nil, Config{Timeout: types.NullDurationFrom(0)})
		require.NoError(t, err)
		_, opts := conf.connectionOptions()
		assert.Less(t, opts.Timeout, time.Duration(0))
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		tests := map[string]struct {
			file []byte
			env  map[string]string
			cli  Config
			err  string
		}{
			"bad json":   {file: []byte(`{"url":`), err: "parsing config file"},
			"bad env":    {env: map[string]string{"K6BIDI_ID_OFFSET": "many"}, err: "K6BIDI_ID_OFFSET"},
			"http url":   {cli: Config{URL: null.StringFrom("http://localhost/")}, err: "scheme must be ws or wss"},
			"neg offset": {cli: Config{IDOffset: null.IntFrom(-1)}, err: "idOffset must not be negative"},
			"neg rate":   {cli: Config{SendRate: null.FloatFrom(-1)}, err: "sendRate must not be negative"},
			"neg handshake": {
				cli: Config{HandshakeTimeout: types.NullDurationFrom(-time.Second)},
				err: "handshakeTimeout must not be negative",
			},
		}
		for name, tc := range tests {
			tc := tc
			t.Run(name, func(t *testing.T) {
				t.Parallel()
				_, err := GetConsolidatedConfig(tc.file, tc.env, tc.cli)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.err)
			})
		}
	})
}
