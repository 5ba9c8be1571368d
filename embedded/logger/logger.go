/*
Copyright 2022 Codenotary Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logger

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

var ErrInvalidLoggerType = errors.New("invalid logger type")

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

type LogLevel int8

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	}
	return "unknown"
}

// Logger is the logging contract used by every component of the node.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Close() error
}

func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(s) {
	case "error":
		return LogError, true
	case "warn", "warning":
		return LogWarn, true
	case "info":
		return LogInfo, true
	case "debug":
		return LogDebug, true
	}
	return LogInfo, false
}

func LogLevelFromEnvironment() LogLevel {
	level, _ := ParseLogLevel(os.Getenv("LOG_LEVEL"))
	return level
}

type TimeFunc = func() time.Time

// Options can be used to configure a new logger.
type Options struct {
	// Name of the subsystem to prefix logs with
	Name string

	// Anything less severe is suppressed
	Level LogLevel

	// Defaults to os.Stderr if nil
	Output io.Writer

	// text or json
	LogFormat string

	TimeFnc TimeFunc

	// When set, logs are written to LogDir/LogFile and rotated
	LogDir  string
	LogFile string

	LogRotationSize int
	LogRotationAge  time.Duration
}

// NewLogger is a factory selecting a logger based on options.
func NewLogger(opts *Options) (Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer

	if opts.LogFile != "" {
		w, err := newRotatingFileWriter(opts)
		if err != nil {
			return nil, err
		}
		out = w
		closer = w
	}

	timeFnc := opts.TimeFnc
	if timeFnc == nil {
		timeFnc = time.Now
	}

	switch opts.LogFormat {
	case LogFormatJSON:
		return &JSONLogger{name: opts.Name, level: opts.Level, out: out, closer: closer, timeFnc: timeFnc}, nil
	case LogFormatText, "":
		l := NewSimpleLoggerWithLevel(opts.Name, out, opts.Level)
		l.closer = closer
		return l, nil
	}

	if closer != nil {
		closer.Close()
	}

	return nil, ErrInvalidLoggerType
}
