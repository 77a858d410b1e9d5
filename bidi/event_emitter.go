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
	"strings"
	"sync"

	"github.com/mailru/easyjson"

	"github.com/liuxd6825/k6bidi/log"
)

// Event is an unsolicited frame from the peer.
type Event struct {
	Method string
	Params easyjson.RawMessage
}

// Module returns the part of the method before the first dot,
// e.g. "browsingContext" for "browsingContext.load".
func (ev Event) Module() string {
	if i := strings.IndexByte(ev.Method, '.'); i >= 0 {
		return ev.Method[:i]
	}
	return ev.Method
}

// EventHandler observes events. A returned error is logged and does not
// stop delivery to other handlers.
type EventHandler func(Event) error

type eventHandler struct {
	ctx     context.Context
	methods []string
	fn      EventHandler
}

// matches reports whether the handler wants method. An empty filter matches
// everything, and a filter entry without a dot matches a whole module.
func (h eventHandler) matches(method string) bool {
	if len(h.methods) == 0 {
		return true
	}
	for _, m := range h.methods {
		if m == method {
			return true
		}
		if !strings.Contains(m, ".") && strings.HasPrefix(method, m+".") {
			return true
		}
	}
	return false
}

// BaseEventEmitter queues events and hands them to registered handlers from
// a single goroutine, in the order they were emitted. The queue is
// unbounded so emit never blocks the caller.
type BaseEventEmitter struct {
	logger *log.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	handlers []eventHandler
	queue    []Event
	closed   bool
	done     chan struct{}
}

// NewBaseEventEmitter creates an emitter and starts its dispatch goroutine.
func NewBaseEventEmitter(logger *log.Logger) *BaseEventEmitter {
	e := &BaseEventEmitter{
		logger: logger,
		done:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.dispatchLoop()
	return e
}

// on registers fn for the given methods until ctx is done.
func (e *BaseEventEmitter) on(ctx context.Context, methods []string, fn EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.handlers = append(e.handlers, eventHandler{ctx: ctx, methods: methods, fn: fn})
}

func (e *BaseEventEmitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
}

// close stops accepting events. Already queued events are still delivered.
func (e *BaseEventEmitter) close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// handlerCount returns the number of handlers whose context is still live.
func (e *BaseEventEmitter) handlerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.liveHandlers())
}

// liveHandlers drops handlers with a done context. Must hold mu.
func (e *BaseEventEmitter) liveHandlers() []eventHandler {
	handlers := e.handlers[:0]
	for _, h := range e.handlers {
		select {
		case <-h.ctx.Done():
			continue
		default:
			handlers = append(handlers, h)
		}
	}
	for i := len(handlers); i < len(e.handlers); i++ {
		e.handlers[i] = eventHandler{}
	}
	e.handlers = handlers
	return handlers
}

func (e *BaseEventEmitter) dispatchLoop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]
		live := e.liveHandlers()
		handlers := make([]eventHandler, len(live))
		copy(handlers, live)
		e.mu.Unlock()

		for _, h := range handlers {
			if h.matches(ev.Method) {
				e.deliver(h, ev)
			}
		}
	}
}

func (e *BaseEventEmitter) deliver(h eventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("bidi:event", "handler for %q panicked: %v", ev.Method, r)
		}
	}()
	select {
	case <-h.ctx.Done():
		return
	default:
	}
	if err := h.fn(ev); err != nil {
		e.logger.Warnf("bidi:event", "handler for %q failed: %v", ev.Method, err)
	}
}
