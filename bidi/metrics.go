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
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Command outcomes used as the "outcome" label.
const (
	OutcomeSuccess        = "success"
	OutcomeProtocolError  = "protocol_error"
	OutcomeTimeout        = "timeout"
	OutcomeTransportError = "transport_error"
	OutcomeCanceled       = "canceled"
)

const metricsNamespace = "k6bidi"

// otherModule labels methods outside the known BiDi modules.
const otherModule = "other"

var knownModules = map[string]struct{}{
	"browser":         {},
	"browsingContext": {},
	"emulation":       {},
	"input":           {},
	"log":             {},
	"network":         {},
	"permissions":     {},
	"script":          {},
	"session":         {},
	"storage":         {},
	"webExtension":    {},
}

// moduleLabel keeps the label set bounded whatever methods callers send.
func moduleLabel(method string) string {
	module, _, _ := strings.Cut(method, ".")
	if _, ok := knownModules[module]; ok {
		return module
	}
	return otherModule
}

// Metrics holds the prometheus collectors of a connection. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Events          *prometheus.CounterVec
	Pending         prometheus.Gauge
	DecodeErrors    prometheus.Counter
	StrayReplies    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Correlated commands by BiDi module and outcome.",
		}, []string{"module", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command to its resolution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Events received by BiDi module.",
		}, []string{"module"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_commands",
			Help:      "Commands waiting for a reply.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		StrayReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stray_replies_total",
			Help:      "Replies discarded because no command was waiting for their id.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Commands, m.CommandDuration, m.Events, m.Pending, m.DecodeErrors, m.StrayReplies,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observeCommand(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	module := moduleLabel(method)
	m.Commands.WithLabelValues(module, outcome).Inc()
	m.CommandDuration.WithLabelValues(module).Observe(d.Seconds())
}

func (m *Metrics) observeEvent(method string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(moduleLabel(method)).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

func (m *Metrics) incDecodeErrors() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) incStrayReplies() {
	if m == nil {
		return
	}
	m.StrayReplies.Inc()
}

// outcomeOf maps a command error to its outcome label.
func outcomeOf(err error) string {
	var (
		perr *ProtocolError
		terr *TimeoutError
	)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &perr):
		return OutcomeProtocolError
	case errors.As(err, &terr):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeTransportError
	}
}
