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

package ws

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/k6bidi/bidi"
)

// assignmentRE picks "window.name = 'value'" out of a preload script.
var assignmentRE = regexp.MustCompile(`window\.(\w+)\s*=\s*['"]([^'"]*)['"]`)

// FakeBrowser implements just enough of the session, script and
// browsingContext modules to run preload-script flows: preload scripts may
// assign string properties on window, navigation runs them and
// script.evaluate reads "window.<name>" back.
type FakeBrowser struct {
	mu        sync.Mutex
	sessionID string
	preloads  map[string]string
	contexts  map[string]map[string]string
	nextID    int
}

// NewFakeBrowser returns a browser with no session and no tabs.
func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{
		preloads: make(map[string]string),
		contexts: make(map[string]map[string]string),
	}
}

// WithFakeBrowser serves b on path.
func WithFakeBrowser(path string, b *FakeBrowser, cmdsReceived *CommandLog) func(*Server) {
	return WithBiDiHandler(path, b.Handle, cmdsReceived)
}

// Handle is a BiDiHandler.
func (b *FakeBrowser) Handle(cmd *bidi.Command, writeCh chan<- *bidi.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := gjson.ParseBytes(cmd.Params)
	if cmd.Method != "session.new" && cmd.Method != "session.status" && b.sessionID == "" {
		writeCh <- bidi.NewErrorResponse(cmd.ID, "invalid session id", "no active session")
		return
	}

	switch cmd.Method {
	case "session.status":
		writeCh <- bidi.NewResponse(cmd.ID, raw(`{"ready":%t,"message":""}`, b.sessionID == ""))

	case "session.new":
		if b.sessionID != "" {
			writeCh <- bidi.NewErrorResponse(cmd.ID, "session not created", "maximum number of active sessions")
			return
		}
		b.sessionID = "session-" + b.id()
		writeCh <- bidi.NewResponse(cmd.ID, raw(`{"sessionId":%q,"capabilities":{"browserName":"fake"}}`, b.sessionID))

	case "session.subscribe":
		writeCh <- bidi.NewResponse(cmd.ID, nil)

	case "script.addPreloadScript":
		fn := params.Get("functionDeclaration")
		if !fn.Exists() {
			writeCh <- bidi.NewErrorResponse(cmd.ID, "invalid argument", "functionDeclaration is required")
			return
		}
		script := "preload-" + b.id()
		b.preloads[script] = fn.String()
		writeCh <- bidi.NewResponse(cmd.ID, raw(`{"script":%q}`, script))

	case "browsingContext.create":
		if typ := params.Get("type").String(); typ != "tab" && typ != "window" {
			writeCh <- bidi.NewErrorResponse(cmd.ID, "invalid argument", fmt.Sprintf("unknown type %q", typ))
			return
		}
		context := "context-" + b.id()
		b.contexts[context] = make(map[string]string)
		writeCh <- bidi.NewEvent("browsingContext.contextCreated",
			raw(`{"context":%q,"url":"about:blank","children":null}`, context))
		writeCh <- bidi.NewResponse(cmd.ID, raw(`{"context":%q}`, context))

	case "browsingContext.navigate":
		context := params.Get("context").String()
		window, ok := b.contexts[context]
		if !ok {
			writeCh <- bidi.NewErrorResponse(cmd.ID, "no such frame", fmt.Sprintf("context %s not found", context))
			return
		}
		for k := range window {
			delete(window, k)
		}
		for _, fn := range b.preloads {
			for _, m := range assignmentRE.FindAllStringSubmatch(fn, -1) {
				window[m[1]] = m[2]
			}
		}
		url := params.Get("url").String()
		navigation := "navigation-" + b.id()
		writeCh <- bidi.NewEvent("browsingContext.domContentLoaded",
			raw(`{"context":%q,"navigation":%q,"url":%q}`, context, navigation, url))
		writeCh <- bidi.NewEvent("browsingContext.load",
			raw(`{"context":%q,"navigation":%q,"url":%q}`, context, navigation, url))
		writeCh <- bidi.NewResponse(cmd.ID, raw(`{"navigation":%q,"url":%q}`, navigation, url))

	case "script.evaluate":
		context := params.Get("target.context").String()
		window, ok := b.contexts[context]
		if !ok {
			writeCh <- bidi.NewErrorResponse(cmd.ID, "no such frame", fmt.Sprintf("context %s not found", context))
			return
		}
		expr := strings.TrimSpace(params.Get("expression").String())
		name := strings.TrimPrefix(expr, "window.")
		value, ok := window[name]
		if !ok || name == expr {
			writeCh <- bidi.NewResponse(cmd.ID, raw(`{"type":"success","realm":"realm-%s","result":{"type":"undefined"}}`, context))
			return
		}
		writeCh <- bidi.NewResponse(cmd.ID,
			raw(`{"type":"success","realm":"realm-%s","result":{"type":"string","value":%q}}`, context, value))

	default:
		writeCh <- bidi.NewErrorResponse(cmd.ID, "unknown command", fmt.Sprintf("unknown command %s", cmd.Method))
	}
}

// id returns the next identifier for sessions, scripts and contexts. Must
// hold mu.
func (b *FakeBrowser) id() string {
	b.nextID++
	return strconv.Itoa(b.nextID)
}

func raw(format string, args ...interface{}) easyjson.RawMessage {
	return easyjson.RawMessage(fmt.Sprintf(format, args...))
}
