/*
 * Copyright 2024 The Verifiable RDS AVS Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package log wraps logrus behind a stable package-level interface, so every
// component logs through the same configured logger.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level aliases logrus.Level.
type Level = logrus.Level

// Log levels.
const (
	PanicLevel = logrus.PanicLevel
	FatalLevel = logrus.FatalLevel
	ErrorLevel = logrus.ErrorLevel
	WarnLevel  = logrus.WarnLevel
	InfoLevel  = logrus.InfoLevel
	DebugLevel = logrus.DebugLevel
)

// Fields aliases logrus.Fields.
type Fields = logrus.Fields

var std = logrus.New()

// SetLevel sets the standard logger level.
func SetLevel(level Level) {
	std.SetLevel(level)
}

// SetStringLevel parses level and applies it, falling back to the default
// when the string does not parse.
func SetStringLevel(level string, fallback Level) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		l = fallback
	}
	std.SetLevel(l)
}

// GetLevel returns the standard logger level.
func GetLevel() Level {
	return std.GetLevel()
}

// SetOutput sets the standard logger output.
func SetOutput(out io.Writer) {
	std.SetOutput(out)
}

// WithField starts an entry with a single field.
func WithField(key string, value interface{}) *logrus.Entry {
	return std.WithField(key, value)
}

// WithFields starts an entry with a field map.
func WithFields(fields Fields) *logrus.Entry {
	return std.WithFields(fields)
}

// WithError starts an entry with the error field.
func WithError(err error) *logrus.Entry {
	return std.WithError(err)
}

// Debug logs at debug level.
func Debug(args ...interface{}) { std.Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }

// Info logs at info level.
func Info(args ...interface{}) { std.Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) { std.Infof(format, args...) }

// Warning logs at warn level.
func Warning(args ...interface{}) { std.Warning(args...) }

// Warningf logs a formatted message at warn level.
func Warningf(format string, args ...interface{}) { std.Warningf(format, args...) }

// Error logs at error level.
func Error(args ...interface{}) { std.Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }

// Fatal logs at fatal level then exits.
func Fatal(args ...interface{}) { std.Fatal(args...) }

// Fatalf logs a formatted message at fatal level then exits.
func Fatalf(format string, args ...interface{}) { std.Fatalf(format, args...) }
