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

package script

// PreloadFunction is the preload script installed by PreloadScenario.
const PreloadFunction = "() => { window.foo='bar'; }"

// PreloadScenario checks that a preload script runs in a new tab: it installs
// PreloadFunction, opens a tab, navigates it to pageURL and reads window.foo
// back, expecting the string "bar".
func PreloadScenario(pageURL string) *Script {
	return &Script{
		Name: "preload",
		Vars: map[string]string{"page": pageURL},
		Steps: []Step{
			{
				Name:   "open session",
				Method: "session.new",
				Params: map[string]interface{}{},
			},
			{
				Name:   "add preload script",
				Method: "script.addPreloadScript",
				Params: map[string]interface{}{
					"functionDeclaration": PreloadFunction,
				},
			},
			{
				Name:   "open tab",
				Method: "browsingContext.create",
				Params: map[string]interface{}{"type": "tab"},
				Save:   map[string]string{"context": "context"},
			},
			{
				Name:   "navigate",
				Method: "browsingContext.navigate",
				Params: map[string]interface{}{
					"url":     "{{page}}",
					"context": "{{context}}",
					"wait":    "complete",
				},
			},
			{
				Name:   "evaluate window.foo",
				Method: "script.evaluate",
				Params: map[string]interface{}{
					"expression":      "window.foo",
					"target":          map[string]interface{}{"context": "{{context}}"},
					"awaitPromise":    true,
					"resultOwnership": "root",
				},
				Expect: map[string]interface{}{
					"result": map[string]interface{}{"type": "string", "value": "bar"},
				},
			},
		},
	}
}
