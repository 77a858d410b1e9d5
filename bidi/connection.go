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
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/liuxd6825/k6bidi/log"
)

const sendQueueSize = 32

type reply struct {
	msg *Message
	err error
}

type pendingRequest struct {
	id      int64
	method  string
	ch      chan reply
	created time.Time
}

/*
Connection correlates commands with their replies over a single Transport
and fans events out to observers.

	 caller ──SendAndAwait(id=1000)──┐                    ┌── pending[1000] ◄─┐
	 caller ──SendAndAwait(id=1001)──┼─► sendLoop ─► WS ─►│                   │
	                                 │                    │      Browser      │
	 OnEvent handlers ◄── emitter ◄──┴── recvLoop ◄── WS ◄┘ replies + events ─┘

A command is registered in the pending map before its frame is queued, so a
reply can never arrive for an id nobody is waiting on yet. Replies resolve
in the order they arrive. Frames with an id nobody waits for (late,
duplicate or unknown) are dropped.
*/
type Connection struct {
	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
	logger    *log.Logger
	ids       *IDGenerator
	timeout   time.Duration
	limiter   *rate.Limiter
	tracer    trace.Tracer
	metrics   *Metrics
	onError   func(error)
	emitter   *BaseEventEmitter

	sendCh       chan []byte
	done         chan struct{}
	shutdownOnce sync.Once

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest
	closed    bool
	closeErr  error
}

// Dial opens a websocket to wsURL and returns a Connection on top of it.
func Dial(ctx context.Context, wsURL string, dopts DialOptions, opts Options) (*Connection, error) {
	t, err := DialWebSocket(ctx, wsURL, dopts)
	if err != nil {
		return nil, err
	}
	return NewConnection(ctx, t, opts), nil
}

// NewConnection starts reading and writing on t. The connection is torn
// down when ctx is done, Close is called or t fails.
func NewConnection(ctx context.Context, t Transport, opts Options) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	logger := opts.logger()
	c := &Connection{
		ctx:       ctx,
		cancel:    cancel,
		transport: t,
		logger:    logger,
		ids:       NewIDGenerator(opts.idOffset()),
		timeout:   opts.timeout(),
		limiter:   opts.limiter(),
		tracer:    opts.tracer(),
		metrics:   opts.Metrics,
		onError:   opts.OnError,
		emitter:   NewBaseEventEmitter(logger),
		sendCh:    make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		pending:   make(map[int64]*pendingRequest),
	}

	go c.recvLoop()
	go c.sendLoop()

	return c
}

// SendAndAwait sends method with params and blocks until the matching reply
// arrives, the timeout elapses, ctx is done or the connection fails.
//
// The error is a *ProtocolError when the peer refused the command, a
// *TimeoutError when no reply came in time, a *TransportError when the
// connection is gone, or ctx.Err() when the caller gave up. A timeout of
// zero uses the connection default.
func (c *Connection) SendAndAwait(
	ctx context.Context, method string, params interface{}, timeout time.Duration,
) (easyjson.RawMessage, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	id := c.ids.Next()
	ctx, span := c.tracer.Start(ctx, "bidi.command",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bidi.method", method),
			attribute.Int64("bidi.id", id),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := c.roundTrip(ctx, Command{ID: id, Method: method, Params: raw}, timeout)
	outcome := outcomeOf(err)
	c.metrics.observeCommand(method, outcome, time.Since(start))
	span.SetAttributes(attribute.String("bidi.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return result, err
}

// Execute sends method and decodes the result into res, if not nil, using
// the connection default timeout. Nil params, including a nil pointer, are
// sent as an empty object.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var p interface{}
	if params != nil {
		p = params
	}
	result, err := c.SendAndAwait(ctx, method, p, 0)
	if err != nil {
		return err
	}
	if res == nil || isNilPointer(res) {
		return nil
	}
	return easyjson.Unmarshal(result, res)
}

// OnEvent registers handler for events whose method is listed in methods,
// or for all events when methods is empty. An entry without a dot, such as
// "log", matches every event of that module. The handler is removed once
// ctx is done.
func (c *Connection) OnEvent(ctx context.Context, handler EventHandler, methods ...string) {
	c.emitter.on(ctx, methods, handler)
}

// Close closes the connection with a normal closure code. Every pending
// command fails with a *TransportError wrapping ErrConnectionClosed.
func (c *Connection) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure)
}

// CloseWithCode is Close with a specific websocket close code.
func (c *Connection) CloseWithCode(code int) error {
	return c.shutdown(&TransportError{Op: "close", Err: ErrConnectionClosed}, code)
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection shut down, or nil while it is open.
func (c *Connection) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closeErr
}

// Pending returns the number of commands waiting for a reply.
func (c *Connection) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Connection) roundTrip(ctx context.Context, cmd Command, timeout time.Duration) (easyjson.RawMessage, error) {
	frame, err := easyjson.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", cmd.Method, err)
	}

	p, err := c.register(cmd.ID, cmd.Method)
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if r, done := c.awaitSendSlot(waitCtx, p); done {
			if r != nil {
				return c.outcome(p, *r)
			}
			return c.abandon(ctx, p, timeout)
		}
	}

	// A caller that already gave up must not reach the peer.
	if waitCtx.Err() != nil {
		return c.abandon(ctx, p, timeout)
	}

	select {
	case c.sendCh <- frame:
	case r := <-p.ch:
		return c.outcome(p, r)
	case <-waitCtx.Done():
		return c.abandon(ctx, p, timeout)
	}

	select {
	case r := <-p.ch:
		return c.outcome(p, r)
	case <-waitCtx.Done():
		return c.abandon(ctx, p, timeout)
	}
}

// awaitSendSlot blocks until the limiter lets p go out. It reports done
// when p must not be sent: r is set if p was resolved meanwhile (the
// connection failed), nil if waitCtx ended first.
func (c *Connection) awaitSendSlot(waitCtx context.Context, p *pendingRequest) (r *reply, done bool) {
	res := c.limiter.Reserve()
	delay := res.Delay()
	if delay == 0 {
		return nil, false
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, false
	case got := <-p.ch:
		res.Cancel()
		return &got, true
	case <-waitCtx.Done():
		res.Cancel()
		return nil, true
	}
}

// abandon deregisters p after the caller stopped waiting. If the reply won
// the race it is returned instead.
func (c *Connection) abandon(ctx context.Context, p *pendingRequest, timeout time.Duration) (easyjson.RawMessage, error) {
	if !c.deregister(p.id) {
		// Resolved or failed while we were giving up; the reply is
		// already buffered.
		return c.outcome(p, <-p.ch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &TimeoutError{ID: p.id, Method: p.method, After: timeout}
}

func (c *Connection) outcome(p *pendingRequest, r reply) (easyjson.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.msg.Kind() == KindError {
		return nil, &ProtocolError{
			ID:         p.id,
			Method:     p.method,
			Code:       r.msg.Error,
			Message:    r.msg.Message,
			Stacktrace: r.msg.Stacktrace,
		}
	}
	if len(r.msg.Result) == 0 {
		return emptyObject, nil
	}
	return r.msg.Result, nil
}

func (c *Connection) register(id int64, method string) (*pendingRequest, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.closed {
		return nil, c.closeErr
	}
	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("command id %d is already pending", id)
	}
	p := &pendingRequest{
		id:      id,
		method:  method,
		ch:      make(chan reply, 1),
		created: time.Now(),
	}
	c.pending[id] = p
	c.metrics.setPending(len(c.pending))

	return p, nil
}

// deregister removes id and reports whether it was still pending.
func (c *Connection) deregister(id int64) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	c.metrics.setPending(len(c.pending))
	return true
}

// resolve hands msg to the command waiting for its id. The reply is put on
// the buffered channel while holding the lock so that removal and delivery
// are one step.
func (c *Connection) resolve(msg *Message) {
	c.pendingMu.Lock()
	p, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
		p.ch <- reply{msg: msg}
		c.metrics.setPending(len(c.pending))
	}
	c.pendingMu.Unlock()

	if !ok {
		c.metrics.incStrayReplies()
		c.logger.Debugf("bidi", "discarding %s for id %d: no pending command", msg.Kind(), msg.ID)
		return
	}
	c.logger.Tracef("bidi", "resolved %s (id %d) after %s", p.method, p.id, time.Since(p.created))
}

// failAll fails every pending command with err and refuses new ones.
func (c *Connection) failAll(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for id, p := range c.pending {
		p.ch <- reply{err: err}
		delete(c.pending, id)
	}
	c.metrics.setPending(0)
}

func (c *Connection) shutdown(err error, code int) error {
	var cerr error
	c.shutdownOnce.Do(func() {
		c.failAll(err)
		cerr = c.transport.Close(code)
		c.emitter.close()
		close(c.done)
		c.cancel()
	})
	return cerr
}

func (c *Connection) handleIOError(op string, err error) {
	if c.Err() != nil {
		// Already shutting down, the transport was closed by us.
		return
	}

	if isNormalClosure(err) {
		c.logger.Infof("bidi", "connection closed by peer: %v", err)
	} else {
		c.logger.Errorf("bidi", "%s: %v", op, err)
	}

	code := websocket.CloseGoingAway
	var cerr *websocket.CloseError
	if errors.As(err, &cerr) {
		code = cerr.Code
	}
	_ = c.shutdown(&TransportError{Op: op, Err: err}, code)
}

func (c *Connection) reportDecodeError(err error) {
	c.metrics.incDecodeErrors()
	c.logger.Errorf("bidi", "%v", err)
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Connection) recvLoop() {
	for {
		buf, err := c.transport.ReadMessage(c.ctx)
		if err != nil {
			c.handleIOError("read", err)
			return
		}

		c.logger.Debugf("bidi:recv", "<- %s", buf)

		msg, err := Decode(buf)
		if err != nil {
			c.reportDecodeError(err)
			continue
		}

		switch msg.Kind() {
		case KindResponse, KindError:
			if !msg.HasID() {
				c.logger.Warnf("bidi", "ignoring error without command id: %s: %s", msg.Error, msg.Message)
				continue
			}
			c.resolve(msg)
		case KindEvent:
			c.metrics.observeEvent(msg.Method)
			c.emitter.emit(Event{Method: msg.Method, Params: msg.Params})
		}
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			c.logger.Debugf("bidi:send", "-> %s", frame)
			if err := c.transport.WriteMessage(c.ctx, frame); err != nil {
				c.handleIOError("write", err)
				return
			}
		case <-c.ctx.Done():
			_ = c.shutdown(&TransportError{Op: "close", Err: fmt.Errorf("%w: %v", ErrConnectionClosed, c.ctx.Err())},
				websocket.CloseGoingAway)
			return
		case <-c.done:
			return
		}
	}
}
