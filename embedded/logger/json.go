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
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const DefaultTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

var _ Logger = (*JSONLogger)(nil)

// JSONLogger writes one json object per line.
type JSONLogger struct {
	name    string
	level   LogLevel
	timeFnc TimeFunc

	mutex  sync.Mutex
	out    io.Writer
	closer io.Closer
}

type jsonLine struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Module    string `json:"module,omitempty"`
	Message   string `json:"message"`
}

func (l *JSONLogger) log(level LogLevel, f string, args ...interface{}) {
	if level < l.level {
		return
	}

	line := jsonLine{
		Timestamp: l.timeFnc().Format(DefaultTimeFormat),
		Level:     level.String(),
		Module:    l.name,
		Message:   fmt.Sprintf(f, args...),
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	json.NewEncoder(l.out).Encode(line)
}

func (l *JSONLogger) Errorf(f string, args ...interface{}) {
	l.log(LogError, f, args...)
}

func (l *JSONLogger) Warningf(f string, args ...interface{}) {
	l.log(LogWarn, f, args...)
}

func (l *JSONLogger) Infof(f string, args ...interface{}) {
	l.log(LogInfo, f, args...)
}

func (l *JSONLogger) Debugf(f string, args ...interface{}) {
	l.log(LogDebug, f, args...)
}

func (l *JSONLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
