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

package bidi

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteBufferSize       = 1 << 20
	defaultHandshakeTimeout = 60 * time.Second
	closeWriteTimeout       = 10 * time.Second
)

// Transport carries discrete text frames in both directions. ReadMessage is
// only called from one goroutine and WriteMessage from another. Close may be
// called concurrently with both and must make a blocked ReadMessage return.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, frame []byte) error
	Close(code int) error
}

// DialOptions tweak the websocket handshake.
type DialOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	TLSConfig        *tls.Config
}

// WebSocketTransport is a Transport backed by a gorilla websocket connection.
type WebSocketTransport struct {
	conn *websocket.Conn
}

var _ Transport = &WebSocketTransport{}

// DialWebSocket connects to wsURL.
func DialWebSocket(ctx context.Context, wsURL string, opts DialOptions) (*WebSocketTransport, error) {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	wsd := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  opts.TLSConfig,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, resp, err := wsd.DialContext(ctx, wsURL, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: fmt.Errorf("%s: %w", wsURL, err)}
	}

	return NewWebSocketTransport(conn), nil
}

// NewWebSocketTransport wraps an already established connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// ReadMessage returns the payload of the next data frame. The context
// deadline, if any, bounds the read.
func (t *WebSocketTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	_, buf, err := t.conn.ReadMessage()
	return buf, err
}

// WriteMessage sends frame as a single text message.
func (t *WebSocketTransport) WriteMessage(ctx context.Context, frame []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	writer, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := writer.Write(frame); err != nil {
		return err
	}
	return writer.Close()
}

// Close sends a close control frame with code and closes the socket.
func (t *WebSocketTransport) Close(code int) error {
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(closeWriteTimeout),
	)
	if cerr := t.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// isNormalClosure reports whether err is the peer closing the socket on
// purpose rather than the connection breaking.
func isNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
