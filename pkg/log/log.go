// Copyright 2018 The HermitCore Authors.
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

// Package log provides the kernel logging facade.
//
// Subsystems obtain a named logger once at init time and log through it;
// the backing sink is logrus so that host-side tooling and the in-guest
// kernel share one format.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

var root = logrus.New()

func init() {
	root.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
}

// Logger is a leveled logger bound to one subsystem.
type Logger struct {
	entry *logrus.Entry
}

// New returns a logger for the named subsystem.
func New(subsys string) Logger {
	return Logger{entry: root.WithField("subsys", subsys)}
}

// Infof logs an informational message.
func (l Logger) Infof(format string, args ...any) {
	l.entry.Infof(format, args...)
}

// Warningf logs a warning.
func (l Logger) Warningf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

// Debugf logs a debug message.
func (l Logger) Debugf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

// SetLevel adjusts the global level. The default is info.
func SetLevel(level logrus.Level) {
	root.SetLevel(level)
}

// SetOutput redirects all loggers, primarily for tests.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// Discard silences all loggers.
func Discard() {
	root.SetOutput(io.Discard)
}
