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

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/k6bidi/script"
)

const defaultPreloadPage = "data:text/html,<p>k6bidi</p>"

func getCmdPreload(gs *globalState) *cobra.Command {
	var pageURL string

	preloadCmd := &cobra.Command{
		Use:   "preload",
		Short: "Check that preload scripts run in new tabs",
		Long: fmt.Sprintf(`Check that preload scripts run in new tabs.

Opens a session, installs the preload script %q, opens a tab, navigates it
and evaluates window.foo, which has to be the string "bar".`, script.PreloadFunction),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := runScript(gs, cmd, script.PreloadScenario(pageURL))
			if err != nil {
				return err
			}
			printToStdout(gs, fmt.Sprintf("window.foo: %s\n", evaluatedValue(report.Last())))
			return nil
		},
	}

	preloadCmd.Flags().SortFlags = false
	preloadCmd.Flags().AddFlagSet(connectionFlagSet())
	preloadCmd.Flags().StringVar(&pageURL, "page-url", defaultPreloadPage, "`url` the new tab navigates to")

	return preloadCmd
}

// evaluatedValue renders the remote value of a script.evaluate result.
func evaluatedValue(result []byte) string {
	return gjson.GetBytes(result, "result").Raw
}
