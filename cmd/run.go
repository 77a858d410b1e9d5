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
	"github.com/spf13/cobra"

	"github.com/liuxd6825/k6bidi/script"
)

type cmdRun struct {
	gs   *globalState
	vars map[string]string
}

func (c *cmdRun) run(cmd *cobra.Command, args []string) error {
	data, err := c.gs.readFile(args[0])
	if err != nil {
		return err
	}
	s, err := script.Parse(data)
	if err != nil {
		return err
	}
	if s.Name == "" {
		s.Name = args[0]
	}
	if len(c.vars) > 0 && s.Vars == nil {
		s.Vars = make(map[string]string, len(c.vars))
	}
	for k, v := range c.vars {
		s.Vars[k] = v
	}
	if err := s.Validate(); err != nil {
		return err
	}

	_, err = runScript(c.gs, cmd, s)
	return err
}

// runScript connects, runs s and prints the report.
func runScript(gs *globalState, cmd *cobra.Command, s *script.Script) (*script.Report, error) {
	maybePrintBanner(gs)

	ctx, stop := withInterrupt(gs)
	defer stop()

	sess, err := connect(ctx, gs, cmd)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	logger, err := categoryLogger(gs)
	if err != nil {
		return nil, err
	}
	report, err := script.NewRunner(sess.conn, logger).Run(ctx, s)
	printReport(gs, report, err)

	return report, abortError(ctx, err)
}

func getCmdRun(gs *globalState) *cobra.Command {
	c := &cmdRun{gs: gs}

	runCmd := &cobra.Command{
		Use:   "run script.yaml",
		Short: "Run a command script",
		Long: `Run a command script.

A script is a YAML document with a list of steps. Each step sends one command
and may save values out of the result ("save", gjson paths) for later steps to
use as {{name}}, and check values of the result ("expect").`,
		Example: `
  k6bidi run preload.yaml
  k6bidi run --var page=https://example.com/ preload.yaml`[1:],
		Args: exactArgsWithMsg(1, "arg should either be a path to a script file"),
		RunE: c.run,
	}

	runCmd.Flags().SortFlags = false
	runCmd.Flags().AddFlagSet(connectionFlagSet())
	runCmd.Flags().StringToStringVar(&c.vars, "var", nil, "set a script variable, `name=value`")

	return runCmd
}
