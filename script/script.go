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

// Package script runs sequences of BiDi commands described as data: each
// step sends one command, may save values out of its result and may check
// expectations against it.
package script

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/k6bidi/lib/types"
)

// Script is a named list of steps.
//
//	name: preload
//	vars:
//	  page: https://example.com/
//	steps:
//	  - method: browsingContext.create
//	    params: {type: tab}
//	    save: {context: context}
//	  - method: browsingContext.navigate
//	    params: {url: "{{page}}", context: "{{context}}", wait: complete}
type Script struct {
	Name  string            `yaml:"name"`
	Vars  map[string]string `yaml:"vars"`
	Steps []Step            `yaml:"steps"`
}

// Step is one command of a script.
type Step struct {
	Name   string      `yaml:"name"`
	Method string      `yaml:"method"`
	Params interface{} `yaml:"params"`
	// Timeout overrides the connection's command timeout for this step,
	// written with a unit ("5s").
	Timeout types.Duration `yaml:"timeout"`
	// Save maps a variable name to a gjson path into the result.
	Save map[string]string `yaml:"save"`
	// Expect maps a gjson path into the result to the value it must hold.
	Expect map[string]interface{} `yaml:"expect"`
}

// Title is the step name, or its method when it has none.
func (s Step) Title() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Method
}

// Parse reads a script from YAML. Variables may still be added before the
// script is validated.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	return &s, nil
}

// Load reads, parses and validates the script at path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Validate checks that every step has a method and that every variable a
// step refers to is declared or saved by an earlier step.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("script %q has no steps", s.Name)
	}
	known := make(map[string]bool, len(s.Vars))
	for k := range s.Vars {
		known[k] = true
	}
	for i, step := range s.Steps {
		if step.Method == "" {
			return fmt.Errorf("step %d: method is required", i+1)
		}
		for _, name := range references(step.Params, step.Expect) {
			if !known[name] {
				return fmt.Errorf("step %d (%s): unknown variable %q", i+1, step.Title(), name)
			}
		}
		for name := range step.Save {
			known[name] = true
		}
	}
	return nil
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w.-]*)\s*\}\}`)

// references lists the variable names used in vs, sorted.
func references(vs ...interface{}) []string {
	seen := make(map[string]bool)
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch v := v.(type) {
		case string:
			for _, m := range placeholderRE.FindAllStringSubmatch(v, -1) {
				seen[m[1]] = true
			}
		case map[string]interface{}:
			for _, e := range v {
				walk(e)
			}
		case []interface{}:
			for _, e := range v {
				walk(e)
			}
		}
	}
	for _, v := range vs {
		walk(v)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// render returns a copy of v with every {{name}} replaced by vars[name].
func render(v interface{}, vars map[string]string) (interface{}, error) {
	switch v := v.(type) {
	case string:
		var missing string
		out := placeholderRE.ReplaceAllStringFunc(v, func(m string) string {
			name := strings.TrimSpace(m[2 : len(m)-2])
			val, ok := vars[name]
			if !ok && missing == "" {
				missing = name
			}
			return val
		})
		if missing != "" {
			return nil, fmt.Errorf("unknown variable %q", missing)
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			r, err := render(e, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			r, err := render(e, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
