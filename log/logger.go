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

// Package log provides the category based logger used across the protocol
// core, together with logrus hooks.
package log

import (
	"fmt"
	"io"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger prefixes every entry with a category such as "Session:Execute" and
// the time elapsed since the previous entry.
type Logger struct {
	Log            *logrus.Logger
	mu             sync.Mutex
	lastLogCall    int64
	debugOverride  bool
	categoryFilter *regexp.Regexp
}

// NewNullLogger will create a logger where log lines will
// be discarded and not logged anywhere.
func NewNullLogger() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return New(log, false, nil)
}

// New creates a new logger. When debugOverride is set, entries below the
// logger level are still printed. Only categories matching categoryFilter
// are logged, if it is not nil.
func New(logger *logrus.Logger, debugOverride bool, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		Log:            logger,
		debugOverride:  debugOverride,
		categoryFilter: categoryFilter,
	}
}

func (l *Logger) Tracef(category string, msg string, args ...interface{}) {
	l.Logf(logrus.TraceLevel, category, msg, args...)
}

func (l *Logger) Debugf(category string, msg string, args ...interface{}) {
	l.Logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Errorf(category string, msg string, args ...interface{}) {
	l.Logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) Infof(category string, msg string, args ...interface{}) {
	l.Logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category string, msg string, args ...interface{}) {
	l.Logf(logrus.WarnLevel, category, msg, args...)
}

// Logf logs msg under category at level.
func (l *Logger) Logf(level logrus.Level, category string, msg string, args ...interface{}) {
	if !l.enabled(level, category) {
		return
	}
	elapsed := l.sinceLastCall()

	if l.Log == nil {
		magenta := color.New(color.FgMagenta).SprintFunc()
		fmt.Printf("%s [%d]: %s - %s ms\n", magenta(category), goRoutineID(), fmt.Sprintf(msg, args...), magenta(elapsed))
		return
	}
	entry := l.Log.WithFields(logrus.Fields{
		"category":  category,
		"elapsed":   fmt.Sprintf("%d ms", elapsed),
		"goroutine": goRoutineID(),
	})
	if l.Log.GetLevel() < level {
		// only reachable with debugOverride
		entry.Printf(msg, args...)
		return
	}
	entry.Logf(level, msg, args...)
}

func (l *Logger) enabled(level logrus.Level, category string) bool {
	if l == nil {
		return false
	}
	if l.Log != nil && l.Log.GetLevel() < level && !l.debugOverride {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.categoryFilter == nil || l.categoryFilter.MatchString(category)
}

// sinceLastCall returns the milliseconds elapsed since the previous entry,
// zero for the first one.
func (l *Logger) sinceLastCall() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixMilli()
	var elapsed int64
	if l.lastLogCall != 0 {
		elapsed = now - l.lastLogCall
	}
	l.lastLogCall = now
	return elapsed
}

// SetCategoryFilter only lets categories matching the expression through.
// An empty expression lets everything through.
func (l *Logger) SetCategoryFilter(filter string) error {
	var re *regexp.Regexp
	if filter != "" {
		var err error
		if re, err = regexp.Compile(filter); err != nil {
			return fmt.Errorf("compiling log category filter: %w", err)
		}
	}
	l.mu.Lock()
	l.categoryFilter = re
	l.mu.Unlock()
	return nil
}

func goRoutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
	id, err := strconv.Atoi(idField)
	if err != nil {
		panic(fmt.Sprintf("cannot get goroutine id: %v", err))
	}
	return id
}
