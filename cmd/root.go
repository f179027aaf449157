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

package cmd

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const waitLoggerCloseTimeout = time.Second * 5

// BannerColor colors the long description of the root command.
var BannerColor = color.New(color.FgCyan) //nolint:gochecknoglobals

// This is to keep all fields needed for the main/root command
type rootCommand struct {
	globalState *globalState

	cmd            *cobra.Command
	loggerStopped  <-chan struct{}
	loggerIsRemote bool
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{
		globalState: gs,
	}
	// the base command when called without any subcommands.
	rootCmd := &cobra.Command{
		Use:               "cdpcore",
		Short:             "a Chrome DevTools Protocol client",
		Long:              BannerColor.Sprint("\ncdpcore attaches to a browser over the DevTools protocol and tracks its frames and network."),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.SetArgs(gs.args[1:])
	rootCmd.SetOut(gs.stdOut)
	rootCmd.SetErr(gs.stdErr)
	rootCmd.AddCommand(
		getCmdWatch(gs),
		getCmdVersion(gs),
	)

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	var err error

	c.loggerStopped, err = c.setupLoggers()
	if err != nil {
		return err
	}
	select {
	case <-c.loggerStopped:
	default:
		c.loggerIsRemote = true
	}

	if c.globalState.flags.noColor {
		c.globalState.stdOut.Writer = colorable.NewNonColorable(c.globalState.stdOut.Writer)
		c.globalState.stdErr.Writer = colorable.NewNonColorable(c.globalState.stdErr.Writer)
	}
	c.globalState.logger.Debugf("cdpcore version: %s", fullVersion())
	return nil
}

func (c *rootCommand) execute() {
	ctx, cancel := context.WithCancel(c.globalState.ctx)
	defer cancel()
	c.globalState.ctx = ctx

	err := c.cmd.Execute()
	if err == nil {
		cancel()
		c.waitLogger()
		return
	}

	exitCode := -1
	var ecerr exitCodeError
	if errors.As(err, &ecerr) {
		exitCode = ecerr.code
	}

	c.globalState.logger.WithField("exit_code", strconv.Itoa(exitCode)).Error(err)
	if c.loggerIsRemote {
		c.globalState.fallbackLogger.Error(err)
		cancel()
		c.waitLogger()
	}

	os.Exit(exitCode) //nolint:gocritic
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	gs := newGlobalState(context.Background())

	newRootCommand(gs).execute()
}

func (c *rootCommand) waitLogger() {
	if !c.loggerIsRemote {
		return
	}
	select {
	case <-c.loggerStopped:
	case <-time.After(waitLoggerCloseTimeout):
		c.globalState.fallbackLogger.Errorf("The logger didn't stop in %s", waitLoggerCloseTimeout)
	}
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	// The defaults are the values consolidated from the environment, so the
	// flags override them only when given explicitly.
	flags.StringVar(&gs.flags.logOutput, "log-output", gs.flags.logOutput,
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.Lookup("log-output").DefValue = gs.defaultFlags.logOutput

	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format")
	flags.Lookup("log-format").DefValue = gs.defaultFlags.logFormat

	flags.StringVar(&gs.flags.logCategories, "log-categories", gs.flags.logCategories,
		"only log protocol core categories matching this `regexp`, e.g. '^NetworkManager'")
	flags.Lookup("log-categories").DefValue = gs.defaultFlags.logCategories

	flags.StringVarP(&gs.flags.configFilePath, "config", "c", gs.flags.configFilePath, "YAML config file")
	// And we also need to explicitly set the default value for the usage message here, so things
	// like `CDPCORE_CONFIG="blah" cdpcore watch -h` don't produce a weird usage message
	flags.Lookup("config").DefValue = gs.defaultFlags.configFilePath
	must(cobra.MarkFlagFilename(flags, "config"))

	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.Lookup("no-color").DefValue = strconv.FormatBool(gs.defaultFlags.noColor)

	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.defaultFlags.verbose, "enable verbose logging")
	return flags
}

// exitCodeError carries the process exit code of a failed command.
type exitCodeError struct {
	error
	code int
}

func (e exitCodeError) Unwrap() error {
	return e.error
}
