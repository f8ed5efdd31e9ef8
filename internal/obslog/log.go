// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obslog configures the monitor's best-effort diagnostic logging,
// the Go equivalent of the original source's printm calls: informational
// only, never load-bearing for correctness, and never able to block a
// host-call dispatch on its own failure.
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger configured with a text formatter and the
// given level name (one of logrus's ParseLevel strings: "debug", "info",
// "warn", "error", ...). An unrecognized level falls back to Info rather
// than failing construction, since a bad config value for a diagnostics
// knob shouldn't keep the monitor from starting.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Printm logs msg at Debug level with the given fields, named after the
// original source's printm(fmt, ...) debug-print helper.
func Printm(l *logrus.Logger, msg string, fields logrus.Fields) {
	l.WithFields(fields).Debug(msg)
}
