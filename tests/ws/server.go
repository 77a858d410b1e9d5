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

// Package ws provides a websocket server that stands in for a browser
// speaking WebDriver BiDi in tests.
package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/k6bidi/bidi"
)

// Server can be used as a test alternative to a real BiDi compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
	Context    context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		server.CloseClientConnections()
		server.Close()
	})
	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
		Context:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the ws:// URL of path on the server.
func (s *Server) URL(path string) string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + path
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
// The first frame is read and the socket is dropped without a close frame.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		_ = conn.Close() // This forces a connection closure without a proper WS close message exchange
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server. It echoes one frame
// and closes normally.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer conn.Close()
		messageType, r, e := conn.NextReader()
		if e != nil {
			return
		}
		var wc io.WriteCloser
		wc, err = conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// BiDiHandler answers one command. Replies and events are queued on writeCh.
type BiDiHandler func(cmd *bidi.Command, writeCh chan<- *bidi.Message)

// CommandLog records the methods a server received.
type CommandLog struct {
	mu      sync.Mutex
	methods []string
}

func (l *CommandLog) add(method string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, method)
}

// Methods returns a copy of the recorded methods.
func (l *CommandLog) Methods() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.methods...)
}

// WithBiDiHandler attaches a custom BiDi handler function to Server.
// Frames that are not commands are answered with an "invalid argument"
// error carrying a null id, like a browser does.
func WithBiDiHandler(path string, fn BiDiHandler, cmdsReceived *CommandLog) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		writeCh := make(chan *bidi.Message, 16)

		go func() {
			defer close(done)
			for {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var cmd bidi.Command
				if err := easyjson.Unmarshal(buf, &cmd); err != nil || cmd.Method == "" {
					writeCh <- &bidi.Message{Type: bidi.TypeError, Error: "invalid argument", Message: "not a command"}
					continue
				}

				cmdsReceived.add(cmd.Method)
				fn(&cmd, writeCh)
			}
		}()

		for {
			select {
			case msg := <-writeCh:
				buf, err := easyjson.Marshal(msg)
				if err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// BiDiDefaultHandler replies to every command with an empty result.
func BiDiDefaultHandler(cmd *bidi.Command, writeCh chan<- *bidi.Message) {
	writeCh <- bidi.NewResponse(cmd.ID, nil)
}
