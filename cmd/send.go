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
	"io"

	"github.com/mailru/easyjson"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/k6bidi/errext"
	"github.com/liuxd6825/k6bidi/errext/exitcodes"
)

type cmdSend struct {
	gs  *globalState
	raw bool
}

func (c *cmdSend) run(cmd *cobra.Command, args []string) error {
	params := "{}"
	if len(args) > 1 {
		params = args[1]
	}
	if params == "-" {
		data, err := io.ReadAll(c.gs.stdIn)
		if err != nil {
			return fmt.Errorf("reading params from stdin: %w", err)
		}
		params = string(data)
	}
	if !gjson.Valid(params) {
		return errext.WithExitCodeIfNone(
			errext.WithHint(fmt.Errorf("params are not valid JSON: %s", params), "pass params as a JSON object, e.g. '{\"type\":\"tab\"}'"),
			exitcodes.InvalidConfig,
		)
	}

	ctx, stop := withInterrupt(c.gs)
	defer stop()

	s, err := connect(ctx, c.gs, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.conn.SendAndAwait(ctx, args[0], easyjson.RawMessage(params), 0)
	if err != nil {
		return abortError(ctx, err)
	}

	out := string(res)
	if !c.raw {
		out = gjson.GetBytes(res, "@pretty").Raw
	}
	printToStdout(c.gs, out)
	if len(out) == 0 || out[len(out)-1] != '\n' {
		printToStdout(c.gs, "\n")
	}
	return nil
}

func getCmdSend(gs *globalState) *cobra.Command {
	c := &cmdSend{gs: gs}

	sendCmd := &cobra.Command{
		Use:   "send method [params]",
		Short: "Send one command and print its result",
		Long: `Send one command and print its result.

The params are a JSON object, "{}" when omitted, or "-" to read them from the
standard input. An error reply from the browser exits with a non-zero code.`,
		Example: `
  k6bidi send session.status
  k6bidi send browsingContext.create '{"type":"tab"}'
  echo '{"events":["log"]}' | k6bidi send session.subscribe -`[1:],
		Args: cobra.RangeArgs(1, 2),
		RunE: c.run,
	}

	sendCmd.Flags().SortFlags = false
	sendCmd.Flags().AddFlagSet(connectionFlagSet())
	sendCmd.Flags().BoolVar(&c.raw, "raw", false, "print the result as received, without indentation")

	return sendCmd
}
