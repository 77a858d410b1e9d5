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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/require"
)

var errPipeClosed = errors.New("pipe closed")

// pipeTransport is an in-memory Transport. The test plays the peer through
// nextCommand, deliver and fail.
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	errCh  chan error
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	closeCode int
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case err := <-p.errCh:
		return nil, err
	case <-p.closed:
		return nil, errPipeClosed
	}
}

func (p *pipeTransport) WriteMessage(ctx context.Context, frame []byte) error {
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return errPipeClosed
	}
}

func (p *pipeTransport) Close(code int) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closeCode = code
		p.mu.Unlock()
		close(p.closed)
	})
	return nil
}

func (p *pipeTransport) code() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode
}

// nextCommand returns the next frame the connection wrote.
func (p *pipeTransport) nextCommand(t *testing.T) Command {
	t.Helper()

	select {
	case frame := <-p.out:
		var cmd Command
		require.NoError(t, easyjson.Unmarshal(frame, &cmd))
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a command")
		return Command{}
	}
}

func (p *pipeTransport) deliver(t *testing.T, msg *Message) {
	t.Helper()

	frame, err := easyjson.Marshal(msg)
	require.NoError(t, err)
	p.in <- frame
}

func (p *pipeTransport) deliverRaw(frame string) {
	p.in <- []byte(frame)
}

// fail makes the pending ReadMessage return err, like a dropped socket.
func (p *pipeTransport) fail(err error) {
	p.errCh <- err
}

func newTestConnection(t *testing.T, opts Options) (*Connection, *pipeTransport) {
	t.Helper()

	pipe := newPipeTransport()
	conn := NewConnection(context.Background(), pipe, opts)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, pipe
}

type callResult struct {
	result easyjson.RawMessage
	err    error
}

// sendAsync runs SendAndAwait in a goroutine and returns its outcome channel.
func sendAsync(conn *Connection, method string, params interface{}, timeout time.Duration) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		res, err := conn.SendAndAwait(context.Background(), method, params, timeout)
		ch <- callResult{res, err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a command to resolve")
		return callResult{}
	}
}

// barrier delivers a marker event and waits until it is observed. Frames
// delivered before it have then been processed by the read loop.
func barrier(t *testing.T, conn *Connection, pipe *pipeTransport) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan struct{})
	var once sync.Once
	conn.OnEvent(ctx, func(Event) error {
		once.Do(func() { close(seen) })
		return nil
	}, "test.barrier")
	pipe.deliver(t, NewEvent("test.barrier", easyjson.RawMessage(`{}`)))

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the barrier event")
	}
}
