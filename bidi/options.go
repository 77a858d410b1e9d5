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
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/liuxd6825/k6bidi/log"
)

const (
	// DefaultTimeout is how long a command waits for its reply unless told
	// otherwise.
	DefaultTimeout = 30 * time.Second

	tracerName = "github.com/liuxd6825/k6bidi/bidi"
)

// Options configure a Connection. The zero value is usable.
type Options struct {
	// IDOffset is the first command ID. Zero means DefaultIDOffset.
	IDOffset int64
	// Timeout applies to commands sent without an explicit timeout.
	// Negative disables it; zero means DefaultTimeout.
	Timeout time.Duration
	// SendRate caps outgoing commands per second. Zero is unlimited.
	SendRate float64
	// SendBurst is the limiter burst, at least 1.
	SendBurst int

	Logger  *log.Logger
	Tracer  trace.Tracer
	Metrics *Metrics

	// OnError receives inbound frames that failed to decode. The connection
	// keeps reading after calling it.
	OnError func(error)
}

func (o Options) idOffset() int64 {
	if o.IDOffset == 0 {
		return DefaultIDOffset
	}
	return o.IDOffset
}

func (o Options) timeout() time.Duration {
	switch {
	case o.Timeout == 0:
		return DefaultTimeout
	case o.Timeout < 0:
		return 0
	default:
		return o.Timeout
	}
}

func (o Options) limiter() *rate.Limiter {
	if o.SendRate <= 0 {
		return nil
	}
	burst := o.SendBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.SendRate), burst)
}

func (o Options) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return noop.NewTracerProvider().Tracer(tracerName)
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.NewNullLogger()
}
