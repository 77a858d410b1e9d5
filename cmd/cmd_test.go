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

package cmd

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailru/easyjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/k6bidi/bidi"
	"github.com/liuxd6825/k6bidi/tests/ws"
)

func fakeBrowserURL(t *testing.T) string {
	t.Helper()
	server := ws.NewServer(t, ws.WithFakeBrowser("/session", ws.NewFakeBrowser(), nil))
	return server.URL("/session")
}

func TestVersion(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6bidi", "version"}
	newRootCommand(ts.globalState).execute()
	assert.Contains(t, ts.stdOut.String(), "k6bidi v0.1.0 (go")

	ts = newGlobalTestState(t)
	ts.args = []string{"k6bidi", "version", "--json"}
	newRootCommand(ts.globalState).execute()
	assert.Equal(t, "v0.1.0", gjson.Get(ts.stdOut.String(), "version").String())
	assert.Equal(t, "k6bidi/0.1.0", gjson.Get(ts.stdOut.String(), "userAgent").String())
}

func TestSend(t *testing.T) {
	t.Parallel()

	var cmds ws.CommandLog
	server := ws.NewServer(t, ws.WithBiDiHandler("/session", ws.BiDiDefaultHandler, &cmds))

	ts := newGlobalTestState(t)
	ts.args = []string{"k6bidi", "send", "--url", server.URL("/session"), "session.subscribe", `{"events":["log"]}`}
	newRootCommand(ts.globalState).execute()

	assert.JSONEq(t, `{}`, strings.TrimSpace(ts.stdOut.String()))
	assert.Equal(t, []string{"session.subscribe"}, cmds.Methods())
}

func TestSendFromStdin(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.envVars["K6BIDI_URL"] = fakeBrowserURL(t)
	ts.stdIn = strings.NewReader(`{"capabilities":{}}`)
	ts.args = []string{"k6bidi", "send", "--raw", "session.new", "-"}
	newRootCommand(ts.globalState).execute()

	assert.Equal(t, "session-1", gjson.Get(ts.stdOut.String(), "sessionId").String())
	assert.Equal(t, 1, strings.Count(ts.stdOut.String(), "\n"))
}

func TestSendProtocolError(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6bidi", "send", "--url", fakeBrowserURL(t), "browsingContext.create", `{"type":"tab"}`}
	ts.expectedExitCode = 111
	newRootCommand(ts.globalState).execute()

	assert.Empty(t, ts.stdOut.String())
	assert.Contains(t, ts.stdErr.String(), "invalid session id")
	assert.Contains(t, ts.stdErr.String(), `hint="the browser refused the \"browsingContext.create\" command"`)
}

func TestSendInvalidParams(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6bidi", "send", "--url", fakeBrowserURL(t), "session.new", "{type:"}
	ts.expectedExitCode = 104
	newRootCommand(ts.globalState).execute()

	assert.Contains(t, ts.stdErr.String(), "params are not valid JSON")
}

func TestSendInvalidURL(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.envVars["K6BIDI_URL"] = "http://localhost:8080/session"
	ts.args = []string{"k6bidi", "send", "session.status"}
	ts.expectedExitCode = 104
	newRootCommand(ts.globalState).execute()

	assert.Contains(t, ts.stdErr.String(), "scheme must be ws or wss")
}

func TestSendUnreachable(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6bidi", "send", "--url", "ws://127.0.0.1:1/session", "--handshake-timeout", "1s", "session.status"}
	ts.expectedExitCode = 110
	newRootCommand(ts.globalState).execute()

	assert.Contains(t, ts.stdErr.String(), "transport dial")
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	confPath := ts.writeFile(t, "k6bidi.json", `{"url":"`+fakeBrowserURL(t)+`","timeout":"5s"}`)
	ts.args = []string{"k6bidi", "--config", confPath, "send", "session.status"}
	newRootCommand(ts.globalState).execute()

	assert.True(t, gjson.Get(ts.stdOut.String(), "ready").Bool())
}

func TestConfigFileMissing(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6bidi", "--config", filepath.Join(ts.dir, "nope.json"), "send", "session.status"}
	ts.expectedExitCode = 104
	newRootCommand(ts.globalState).execute()

	assert.Contains(t, ts.stdErr.String(), "couldn't load the configuration")
}

func TestPreload(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6bidi", "preload", "--url", fakeBrowserURL(t), "--page-url", "file:///tmp/app.html"}
	newRootCommand(ts.globalState).execute()

	out := ts.stdOut.String()
	assert.Contains(t, out, "script: preload")
	assert.Contains(t, out, "✓ 5. evaluate window.foo")
	assert.Contains(t, out, `window.foo: {"type":"string","value":"bar"}`)
}

func TestRunScript(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	path := ts.writeFile(t, "tab.yaml", `
steps:
  - method: session.new
  - name: open tab
    method: browsingContext.create
    params: {type: "{{kind}}"}
    save: {context: context}
  - method: browsingContext.navigate
    params: {context: "{{context}}", url: "{{page}}", wait: complete}
    expect: {url: "{{page}}"}
`)
	ts.args = []string{
		"k6bidi", "run", "--no-color", "--url", fakeBrowserURL(t),
		"--var", "kind=tab", "--var", "page=https://example.com/", path,
	}
	newRootCommand(ts.globalState).execute()

	out := ts.stdOut.String()
	assert.Contains(t, out, "script: "+path)
	assert.Contains(t, out, "✓ 2. open tab")
	assert.Contains(t, out, "✓ 3. browsingContext.navigate")
	assert.NotContains(t, out, "\x1b[")
}

func TestRunScriptExpectationFailed(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	path := ts.writeFile(t, "status.yaml", `
steps:
  - method: session.status
    expect: {ready: false}
`)
	ts.args = []string{"k6bidi", "run", "--url", fakeBrowserURL(t), path}
	ts.expectedExitCode = 113
	newRootCommand(ts.globalState).execute()

	assert.Contains(t, ts.stdOut.String(), "✗ step 1 (session.status): expected ready to be false, got true")
}

func TestRunScriptQuiet(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	path := ts.writeFile(t, "status.yaml", "steps: [{method: session.status}]")
	ts.args = []string{"k6bidi", "run", "-q", "--url", fakeBrowserURL(t), path}
	newRootCommand(ts.globalState).execute()

	assert.Empty(t, ts.stdOut.String())
}

func TestRunScriptInvalid(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	path := ts.writeFile(t, "bad.yaml", "steps: [{params: {}}]")
	ts.args = []string{"k6bidi", "run", path}
	ts.expectedExitCode = 1
	newRootCommand(ts.globalState).execute()

	assert.Contains(t, ts.stdErr.String(), "step 1: method is required")
}

func TestListen(t *testing.T) {
	t.Parallel()

	handler := func(cmd *bidi.Command, writeCh chan<- *bidi.Message) {
		writeCh <- bidi.NewResponse(cmd.ID, nil)
		if cmd.Method == "session.subscribe" {
			writeCh <- bidi.NewEvent("network.beforeRequestSent", easyjson.RawMessage(`{}`))
			writeCh <- bidi.NewEvent("log.entryAdded", easyjson.RawMessage(`{"level":"info","text":"hello"}`))
		}
	}
	var cmds ws.CommandLog
	server := ws.NewServer(t, ws.WithBiDiHandler("/session", handler, &cmds))

	ts := newGlobalTestState(t)
	ts.args = []string{"k6bidi", "listen", "--url", server.URL("/session"), "--duration", "1s", "log"}
	newRootCommand(ts.globalState).execute()

	assert.Equal(t, "log.entryAdded {\"level\":\"info\",\"text\":\"hello\"}\n", ts.stdOut.String())
	assert.Equal(t, []string{"session.new", "session.subscribe"}, cmds.Methods())
	assert.True(t, ts.loggerHook.Contains(logrus.InfoLevel, "", "Listening for [log]"))
}

func TestLogOutputFile(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	logPath := filepath.Join(ts.dir, "k6bidi.log")
	ts.args = []string{
		"k6bidi", "--log-output", "file=" + logPath, "--log-level", "debug",
		"--log-category-filter", "^bidi:send$", "send", "--url", fakeBrowserURL(t), "session.status",
	}
	newRootCommand(ts.globalState).execute()

	data, err := os.ReadFile(logPath) //nolint:gosec
	require.NoError(t, err)
	assert.Contains(t, string(data), `category="bidi:send"`)
	assert.Contains(t, string(data), `-> {\"id\":1000,\"method\":\"session.status\",\"params\":{}}`)
	assert.NotContains(t, string(data), `category="bidi:recv"`)
	assert.Empty(t, ts.stdErr.String())
}

func TestServeMetrics(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	reg := prometheus.NewRegistry()
	m, err := bidi.NewMetrics(reg)
	require.NoError(t, err)

	conn, err := bidi.Dial(context.Background(), fakeBrowserURL(t), bidi.DialOptions{}, bidi.Options{Metrics: m})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.SendAndAwait(context.Background(), "session.status", nil, 5*time.Second)
	require.NoError(t, err)

	addr, stop, err := serveMetrics(ts.globalState, "127.0.0.1:0", reg)
	require.NoError(t, err)
	defer stop()

	resp, err := http.Get("http://" + addr.String() + "/metrics") //nolint:noctx
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `k6bidi_commands_total{module="session",outcome="success"} 1`)
}
