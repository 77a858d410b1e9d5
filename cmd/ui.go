package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/liuxd6825/k6bidi/lib/consts"
	"github.com/liuxd6825/k6bidi/script"
)

func newColor(noColor bool, attributes ...color.Attribute) *color.Color {
	c := color.New(attributes...)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c
}

func getBanner(noColor bool) string {
	return newColor(noColor, color.FgCyan).Sprint(consts.Banner)
}

func maybePrintBanner(gs *globalState) {
	if !gs.flags.quiet {
		noColor := gs.flags.noColor || !gs.stdOut.IsTTY
		printToStdout(gs, fmt.Sprintf("\n%s\n\n", getBanner(noColor)))
	}
}

// printReport writes one line per executed step and the failing one, if any.
func printReport(gs *globalState, report *script.Report, err error) {
	if gs.flags.quiet || report == nil {
		return
	}
	noColor := gs.flags.noColor || !gs.stdOut.IsTTY
	green := newColor(noColor, color.FgGreen)
	red := newColor(noColor, color.FgRed)
	faint := newColor(noColor, color.Faint)

	printToStdout(gs, fmt.Sprintf("  script: %s\n\n", report.Script))
	for i, step := range report.Steps {
		printToStdout(gs, fmt.Sprintf("  %s %d. %s %s\n",
			green.Sprint("✓"), i+1, step.Step.Title(), faint.Sprint(step.Duration.Round(time.Microsecond))))
	}
	if err != nil {
		printToStdout(gs, fmt.Sprintf("  %s %s\n", red.Sprint("✗"), err))
	}
	printToStdout(gs, "\n")
}
