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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6bidi/log"
)

func TestEventHandlerMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		methods []string
		method  string
		want    bool
	}{
		{methods: nil, method: "log.entryAdded", want: true},
		{methods: []string{"log.entryAdded"}, method: "log.entryAdded", want: true},
		{methods: []string{"log"}, method: "log.entryAdded", want: true},
		{methods: []string{"log"}, method: "logging.other", want: false},
		{methods: []string{"browsingContext.load"}, method: "browsingContext.domContentLoaded", want: false},
		{methods: []string{"script", "browsingContext.load"}, method: "browsingContext.load", want: true},
	}

	for _, tc := range tests {
		h := eventHandler{methods: tc.methods}
		assert.Equal(t, tc.want, h.matches(tc.method), "%v / %s", tc.methods, tc.method)
	}

	assert.Equal(t, "browsingContext", Event{Method: "browsingContext.load"}.Module())
	assert.Equal(t, "weird", Event{Method: "weird"}.Module())
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) handle(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Method)
	return nil
}

func (r *eventRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestEventEmitterOrderAndIsolation(t *testing.T) {
	t.Parallel()

	e := NewBaseEventEmitter(log.NewNullLogger())
	t.Cleanup(e.close)

	ctx := context.Background()
	e.on(ctx, nil, func(Event) error { panic("observer blew up") })
	e.on(ctx, nil, func(Event) error { return errors.New("observer failed") })

	var all, logOnly eventRecorder
	e.on(ctx, nil, all.handle)
	e.on(ctx, []string{"log"}, logOnly.handle)

	methods := []string{"log.entryAdded", "browsingContext.load", "log.entryAdded", "script.message"}
	for _, m := range methods {
		e.emit(Event{Method: m})
	}

	require.Eventually(t, func() bool { return len(all.get()) == len(methods) }, 5*time.Second, time.Millisecond)
	assert.Equal(t, methods, all.get())
	assert.Equal(t, []string{"log.entryAdded", "log.entryAdded"}, logOnly.get())
}

func TestEventEmitterContextRemovesHandler(t *testing.T) {
	t.Parallel()

	e := NewBaseEventEmitter(log.NewNullLogger())
	t.Cleanup(e.close)

	ctx, cancel := context.WithCancel(context.Background())
	var scoped, always eventRecorder
	e.on(ctx, nil, scoped.handle)
	e.on(context.Background(), nil, always.handle)
	assert.Equal(t, 2, e.handlerCount())

	e.emit(Event{Method: "a.one"})
	require.Eventually(t, func() bool { return len(always.get()) == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	assert.Equal(t, 1, e.handlerCount())

	e.emit(Event{Method: "a.two"})
	require.Eventually(t, func() bool { return len(always.get()) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"a.one"}, scoped.get())
}

func TestEventEmitterCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	e := NewBaseEventEmitter(log.NewNullLogger())

	release := make(chan struct{})
	var rec eventRecorder
	e.on(context.Background(), nil, func(ev Event) error {
		<-release
		return rec.handle(ev)
	})

	e.emit(Event{Method: "a.one"})
	e.emit(Event{Method: "a.two"})
	e.close()
	e.emit(Event{Method: "a.dropped"})
	close(release)

	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not exit")
	}
	assert.Equal(t, []string{"a.one", "a.two"}, rec.get())
}
