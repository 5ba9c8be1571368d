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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	logFileTimeFormat = "2006-01-02T15-04-05"
	logRotationAgeMin = time.Minute
)

// rotatingFileWriter appends to LogDir/LogFile and moves the file aside once
// it grows past LogRotationSize bytes or gets older than LogRotationAge.
type rotatingFileWriter struct {
	mutex sync.Mutex

	path    string
	maxSize int
	maxAge  time.Duration
	timeFnc TimeFunc

	f         *os.File
	size      int
	createdAt time.Time
}

func newRotatingFileWriter(opts *Options) (*rotatingFileWriter, error) {
	if opts.LogRotationAge > 0 && opts.LogRotationAge < logRotationAgeMin {
		return nil, fmt.Errorf("log rotation age must be at least %v", logRotationAgeMin)
	}

	dir := opts.LogDir
	if dir == "" {
		dir = "."
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &rotatingFileWriter{
		path:    filepath.Join(dir, opts.LogFile),
		maxSize: opts.LogRotationSize,
		maxAge:  opts.LogRotationAge,
		timeFnc: opts.TimeFnc,
	}

	if w.timeFnc == nil {
		w.timeFnc = time.Now
	}

	return w, w.open()
}

func (w *rotatingFileWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w.f = f
	w.size = int(stat.Size())
	w.createdAt = w.timeFnc()

	return nil
}

func (w *rotatingFileWriter) shouldRotate(n int) bool {
	if w.maxSize > 0 && w.size > 0 && w.size+n > w.maxSize {
		return true
	}
	return w.maxAge > 0 && w.timeFnc().Sub(w.createdAt) >= w.maxAge
}

func (w *rotatingFileWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", w.path, w.timeFnc().Format(logFileTimeFormat))
	for i := 1; ; i++ {
		if _, err := os.Stat(rotated); os.IsNotExist(err) {
			break
		}
		rotated = fmt.Sprintf("%s.%s.%d", w.path, w.timeFnc().Format(logFileTimeFormat), i)
	}

	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}

	return w.open()
}

func (w *rotatingFileWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}

	if w.shouldRotate(len(p)) {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += n

	return n, err
}

func (w *rotatingFileWriter) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.f == nil {
		return nil
	}

	err := w.f.Close()
	w.f = nil

	return err
}
