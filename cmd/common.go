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
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
)

// Panic if the given error is not nil.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

// TODO: refactor the CLI config so these functions aren't needed - they
// can mask errors by failing only at runtime, not at compile time
func getNullBool(flags *pflag.FlagSet, key string) null.Bool {
	v, err := flags.GetBool(key)
	if err != nil {
		panic(err)
	}
	return null.NewBool(v, flags.Changed(key))
}

func getNullString(flags *pflag.FlagSet, key string) null.String {
	v, err := flags.GetString(key)
	if err != nil {
		panic(err)
	}
	return null.NewString(v, flags.Changed(key))
}

// getNullDuration keeps the flag's textual form, so the same parser handles
// durations coming from flags, files and the environment.
func getNullDuration(flags *pflag.FlagSet, key string) null.String {
	v, err := flags.GetDuration(key)
	if err != nil {
		panic(err)
	}
	return null.NewString(v.String(), flags.Changed(key))
}

func parseNullDuration(s null.String) (time.Duration, error) {
	if !s.Valid || s.String == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.String)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s.String, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s.String)
	}
	return d, nil
}

func printToStdout(gs *globalState, s string) {
	if _, err := fmt.Fprint(gs.stdOut, s); err != nil {
		gs.logger.Errorf("could not print '%s' to stdout: %s", s, err.Error())
	}
}
