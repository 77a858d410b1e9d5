/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
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

// Package cmd implements the k6bidi command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/k6bidi/errext"
	"github.com/liuxd6825/k6bidi/errext/exitcodes"
	"github.com/liuxd6825/k6bidi/lib/consts"
	"github.com/liuxd6825/k6bidi/log"
)

const waitLoggerCloseTimeout = time.Second * 5

// This is to keep all fields needed for the main/root command
type rootCommand struct {
	globalState *globalState

	cmd            *cobra.Command
	loggerStopped  <-chan struct{}
	loggerIsRemote bool
	stopLogger     context.CancelFunc
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{
		globalState: gs,
		stopLogger:  func() {},
	}
	// the base command when called without any subcommands.
	rootCmd := &cobra.Command{
		Use:               "k6bidi",
		Short:             "a WebDriver BiDi command client",
		Long:              "\n" + getBanner(gs.flags.noColor || !gs.stdOut.IsTTY),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.SetArgs(gs.args[1:])
	rootCmd.SetOut(gs.stdOut)
	rootCmd.SetErr(gs.stdErr)
	rootCmd.SetIn(gs.stdIn)

	subCommands := []func(*globalState) *cobra.Command{
		getCmdListen, getCmdPreload, getCmdRun, getCmdSend, getCmdVersion,
	}
	for _, sc := range subCommands {
		rootCmd.AddCommand(sc(gs))
	}

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	var err error

	c.loggerStopped, err = c.setupLoggers()
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	select {
	case <-c.loggerStopped:
	default:
		c.loggerIsRemote = true
	}

	stdlog.SetOutput(c.globalState.logger.Writer())
	c.globalState.logger.Debugf("k6bidi version: v%s", consts.Version)
	return nil
}

func (c *rootCommand) execute() {
	ctx, cancel := context.WithCancel(c.globalState.ctx)
	defer cancel()
	c.globalState.ctx = ctx

	err := c.cmd.Execute()
	if err == nil {
		c.stopLoggers()
		return
	}

	exitCode := int(errext.ExitCodeOf(err, exitcodes.GenericError))
	errText, fields := errext.Format(err)
	c.globalState.logger.WithFields(fields).Error(errText)
	if c.loggerIsRemote {
		c.globalState.fallbackLogger.WithFields(fields).Error(errText)
	}
	c.stopLoggers()

	c.globalState.osExit(exitCode)
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	gs := newGlobalState(context.Background())

	newRootCommand(gs).execute()
}

func (c *rootCommand) stopLoggers() {
	c.stopLogger()
	if c.loggerIsRemote {
		select {
		case <-c.loggerStopped:
		case <-time.After(waitLoggerCloseTimeout):
			c.globalState.fallbackLogger.Errorf("The logger didn't stop in %s", waitLoggerCloseTimeout)
		}
	}
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	// gs.flags already holds values taken from the environment, so they are
	// the flag defaults; DefValue is reset so --help shows the real default.

	flags.StringVar(&gs.flags.logOutput, "log-output", gs.flags.logOutput,
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.Lookup("log-output").DefValue = gs.defaultFlags.logOutput

	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format, one of text, json or raw")
	flags.Lookup("log-format").DefValue = gs.defaultFlags.logFormat

	flags.StringVar(&gs.flags.logLevel, "log-level", gs.flags.logLevel,
		"minimum level of the logs, one of trace, debug, info, warning or error")
	flags.Lookup("log-level").DefValue = gs.defaultFlags.logLevel

	flags.StringVar(&gs.flags.logCategoryFilter, "log-category-filter", gs.flags.logCategoryFilter,
		"only log the categories matching this `regexp`, for example \"bidi:(send|recv)\"")
	flags.Lookup("log-category-filter").DefValue = gs.defaultFlags.logCategoryFilter

	flags.StringVarP(&gs.flags.configFilePath, "config", "c", gs.flags.configFilePath, "JSON config file")
	flags.Lookup("config").DefValue = gs.defaultFlags.configFilePath
	must(cobra.MarkFlagFilename(flags, "config"))

	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.Lookup("no-color").DefValue = fmt.Sprint(gs.defaultFlags.noColor)

	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.defaultFlags.verbose, "enable verbose logging")
	flags.BoolVarP(&gs.flags.quiet, "quiet", "q", gs.defaultFlags.quiet, "disable the banner and step output")

	return flags
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// The returned channel will be closed when the logger has finished flushing and pushing logs after
// the provided context is closed. It is closed if the logger isn't buffering and sending messages
// Asynchronously
func (c *rootCommand) setupLoggers() (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch)

	gs := c.globalState
	if gs.flags.noColor {
		gs.stdOut.Writer = colorable.NewNonColorable(gs.stdOut.Writer)
		gs.stdErr.Writer = colorable.NewNonColorable(gs.stdErr.Writer)
	}

	level := gs.flags.logLevel
	if gs.flags.verbose {
		level = "debug"
	}
	if err := log.New(gs.logger, nil).SetLevel(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	loggerForceColors := false // disable color by default
	switch line := gs.flags.logOutput; {
	case line == "stderr":
		loggerForceColors = !gs.flags.noColor && gs.stdErr.IsTTY
		gs.logger.SetOutput(gs.stdErr)
	case line == "stdout":
		loggerForceColors = !gs.flags.noColor && gs.stdOut.IsTTY
		gs.logger.SetOutput(gs.stdOut)
	case line == "none":
		gs.logger.SetOutput(io.Discard)
	case strings.HasPrefix(line, "file"):
		ctx, cancel := context.WithCancel(context.Background())
		hook, done, err := log.FileHookFromConfigLine(ctx, gs.fallbackLogger, line)
		if err != nil {
			cancel()
			return nil, err
		}
		c.stopLogger = cancel
		ch = make(chan struct{})
		go func() {
			<-done
			close(ch)
		}()
		gs.logger.AddHook(hook)
		gs.logger.SetOutput(io.Discard)
	default:
		return nil, fmt.Errorf("unsupported log output '%s'", line)
	}

	switch gs.flags.logFormat {
	case "raw":
		gs.logger.SetFormatter(&RawFormatter{})
		gs.logger.Debug("Logger format: RAW")
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
		gs.logger.Debug("Logger format: JSON")
	default:
		gs.logger.SetFormatter(&logrus.TextFormatter{
			ForceColors: loggerForceColors, DisableColors: gs.flags.noColor,
		})
		gs.logger.Debug("Logger format: TEXT")
	}
	return ch, nil
}

// categoryLogger wraps the process logger for the bidi and script packages.
func categoryLogger(gs *globalState) (*log.Logger, error) {
	l := log.New(gs.logger, nil)
	if err := l.SetCategoryFilter(gs.flags.logCategoryFilter); err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	return l, nil
}

// withInterrupt returns a context that is canceled on SIGINT or SIGTERM.
func withInterrupt(gs *globalState) (context.Context, func()) {
	ctx, cancel := context.WithCancel(gs.ctx)
	sigC := make(chan os.Signal, 2)
	gs.signalNotify(sigC, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigC:
			gs.logger.WithField("sig", sig).Debug("Stopping k6bidi in response to signal...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		gs.signalStop(sigC)
		cancel()
	}
}

// abortError marks err as an external abort when ctx was canceled.
func abortError(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return errext.WithExitCodeIfNone(err, exitcodes.ExternalAbort)
	}
	return err
}
