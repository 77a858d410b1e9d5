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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/k6bidi/bidi"
)

var defaultListenEvents = []string{"browsingContext", "log", "script"} //nolint:gochecknoglobals

type cmdListen struct {
	gs         *globalState
	duration   time.Duration
	newSession bool
}

func (c *cmdListen) run(cmd *cobra.Command, args []string) error {
	events := args
	if len(events) == 0 {
		events = defaultListenEvents
	}

	ctx, stop := withInterrupt(c.gs)
	defer stop()

	s, err := connect(ctx, c.gs, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	s.conn.OnEvent(ctx, func(ev bidi.Event) error {
		_, err := fmt.Fprintf(c.gs.stdOut, "%s %s\n", ev.Method, ev.Params)
		return err
	}, events...)

	if c.newSession {
		if _, err := s.conn.SendAndAwait(ctx, "session.new", map[string]interface{}{}, 0); err != nil {
			return abortError(ctx, err)
		}
	}
	if _, err := s.conn.SendAndAwait(ctx, "session.subscribe", map[string][]string{"events": events}, 0); err != nil {
		return abortError(ctx, err)
	}
	c.gs.logger.Infof("Listening for %v", events)

	var timeout <-chan time.Time
	if c.duration > 0 {
		timer := time.NewTimer(c.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		c.gs.logger.Debug("Interrupted, stopping")
		return nil
	case <-timeout:
		return nil
	case <-s.conn.Done():
		return s.conn.Err()
	}
}

func getCmdListen(gs *globalState) *cobra.Command {
	c := &cmdListen{gs: gs}

	listenCmd := &cobra.Command{
		Use:   "listen [event...]",
		Short: "Subscribe to events and print them",
		Long: `Subscribe to events and print them, one per line, until interrupted.

Events are method names ("log.entryAdded") or whole modules ("log"). Without
arguments, browsingContext, log and script events are printed.`,
		RunE: c.run,
	}

	listenCmd.Flags().SortFlags = false
	listenCmd.Flags().AddFlagSet(connectionFlagSet())
	listenCmd.Flags().DurationVarP(&c.duration, "duration", "d", 0, "stop after this long, 0 listens until interrupted")
	listenCmd.Flags().BoolVar(&c.newSession, "new-session", true, "open a session before subscribing")

	return listenCmd
}
