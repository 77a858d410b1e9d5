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

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/k6bidi/errext/exitcodes"
	"github.com/liuxd6825/k6bidi/log"
)

// Sender sends one command and waits for its result. *bidi.Connection
// implements it.
type Sender interface {
	SendAndAwait(ctx context.Context, method string, params interface{}, timeout time.Duration) (easyjson.RawMessage, error)
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Step     Step
	Result   easyjson.RawMessage
	Duration time.Duration
}

// Report lists the steps a run executed, in order.
type Report struct {
	Script string
	Steps  []StepResult
	Vars   map[string]string
}

// Last returns the result of the last executed step.
func (r *Report) Last() easyjson.RawMessage {
	if len(r.Steps) == 0 {
		return nil
	}
	return r.Steps[len(r.Steps)-1].Result
}

// ExpectationError is a result that did not hold the expected value.
type ExpectationError struct {
	Step string
	Path string
	Want string
	Got  string
}

func (e *ExpectationError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("%s: expected %s to be %s, but it is missing", e.Step, e.Path, e.Want)
	}
	return fmt.Sprintf("%s: expected %s to be %s, got %s", e.Step, e.Path, e.Want, e.Got)
}

// ExitCode implements errext.HasExitCode.
func (e *ExpectationError) ExitCode() exitcodes.ExitCode {
	return exitcodes.ExpectationFailed
}

// Runner executes scripts over a Sender.
type Runner struct {
	conn   Sender
	logger *log.Logger
}

// NewRunner returns a runner sending on conn.
func NewRunner(conn Sender, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Runner{conn: conn, logger: logger}
}

// Run executes the steps of s one after the other and stops at the first
// failing command or expectation. The report holds the steps executed so
// far, including the failing one when it got a result.
func (r *Runner) Run(ctx context.Context, s *Script) (*Report, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	report := &Report{Script: s.Name, Vars: make(map[string]string, len(s.Vars))}
	for k, v := range s.Vars {
		report.Vars[k] = v
	}

	for i, step := range s.Steps {
		title := fmt.Sprintf("step %d (%s)", i+1, step.Title())

		params, err := render(step.Params, report.Vars)
		if err != nil {
			return report, fmt.Errorf("%s: %w", title, err)
		}

		r.logger.Debugf("script", "%s: sending %s", title, step.Method)
		start := time.Now()
		res, err := r.conn.SendAndAwait(ctx, step.Method, params, time.Duration(step.Timeout))
		if err != nil {
			return report, fmt.Errorf("%s: %w", title, err)
		}
		report.Steps = append(report.Steps, StepResult{Step: step, Result: res, Duration: time.Since(start)})
		r.logger.Infof("script", "%s: ok in %s", title, time.Since(start))

		for name, path := range step.Save {
			v := gjson.GetBytes(res, path)
			if !v.Exists() {
				return report, &ExpectationError{Step: title, Path: path, Want: "present"}
			}
			report.Vars[name] = v.String()
			r.logger.Debugf("script", "%s: saved %s=%s", title, name, v.String())
		}

		if err := r.check(title, step.Expect, res, report.Vars); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (r *Runner) check(title string, expect map[string]interface{}, res []byte, vars map[string]string) error {
	paths := make([]string, 0, len(expect))
	for path := range expect {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		want, err := render(expect[path], vars)
		if err != nil {
			return fmt.Errorf("%s: %w", title, err)
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return fmt.Errorf("%s: expectation for %s: %w", title, path, err)
		}

		got := gjson.GetBytes(res, path)
		if !got.Exists() {
			return &ExpectationError{Step: title, Path: path, Want: string(wantJSON)}
		}
		if !jsonEqual(wantJSON, []byte(got.Raw)) {
			return &ExpectationError{Step: title, Path: path, Want: string(wantJSON), Got: got.Raw}
		}
	}
	return nil
}

// jsonEqual compares two JSON documents ignoring formatting and key order.
func jsonEqual(a, b []byte) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
