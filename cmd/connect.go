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
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/liuxd6825/k6bidi/bidi"
	"github.com/liuxd6825/k6bidi/errext"
	"github.com/liuxd6825/k6bidi/errext/exitcodes"
	"github.com/liuxd6825/k6bidi/lib/consts"
)

const metricsShutdownTimeout = 5 * time.Second

// session is an open connection to a browser together with what has to be
// released when the command is done.
type session struct {
	conn    *bidi.Connection
	cleanup []func()
}

func (s *session) Close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

// connect consolidates the configuration of cmd and dials the browser.
func connect(ctx context.Context, gs *globalState, cmd *cobra.Command) (*session, error) {
	conf, err := loadConfig(gs, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if conf.LogLevel.Valid && !cmd.Flags().Changed("log-level") && !gs.flags.verbose {
		level, err := logrus.ParseLevel(conf.LogLevel.String)
		if err != nil {
			return nil, errext.WithExitCodeIfNone(
				fmt.Errorf("invalid log level %q: %w", conf.LogLevel.String, err), exitcodes.InvalidConfig)
		}
		gs.logger.SetLevel(level)
	}

	logger, err := categoryLogger(gs)
	if err != nil {
		return nil, err
	}

	s := &session{}
	dopts, opts := conf.connectionOptions()
	opts.Logger = logger
	opts.Tracer = otel.Tracer("github.com/liuxd6825/k6bidi")
	opts.OnError = func(err error) {
		gs.logger.WithError(err).Debug("Dropped an inbound frame")
	}
	dopts.Header = http.Header{"User-Agent": []string{"k6bidi/" + consts.Version}}

	if conf.MetricsAddr.String != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics, err = bidi.NewMetrics(reg)
		if err != nil {
			return nil, err
		}
		_, stop, err := serveMetrics(gs, conf.MetricsAddr.String, reg)
		if err != nil {
			return nil, err
		}
		s.cleanup = append(s.cleanup, stop)
	}

	gs.logger.Debugf("Connecting to %s", conf.URL.String)
	s.conn, err = bidi.Dial(ctx, conf.URL.String, dopts, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.cleanup = append(s.cleanup, func() {
		if err := s.conn.Close(); err != nil {
			gs.logger.WithError(err).Debug("Closing the connection")
		}
	})

	return s, nil
}

// serveMetrics serves reg on addr until the returned func is called.
func serveMetrics(gs *globalState, addr string, reg *prometheus.Registry) (net.Addr, func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gs.logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	gs.logger.Infof("Serving metrics on http://%s/metrics", lis.Addr())

	return lis.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
