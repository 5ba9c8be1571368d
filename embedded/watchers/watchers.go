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

package watchers

import (
	"context"
	"errors"
	"sync"
)

var ErrMaxWaitessLimitExceeded = errors.New("watchers: max waiting limit exceeded")
var ErrAlreadyClosed = errors.New("watchers: already closed")
var ErrCancellationRequested = errors.New("watchers: cancellation requested")

// WatchersHub lets goroutines wait until a monotonically increasing position
// reaches a given value. Positions may be sparse (log byte offsets).
type WatchersHub struct {
	wpoints map[int64]*waitingPoint

	doneUpto int64 // no-wait on lower or equal values

	maxWaiting int
	waiting    int

	closed bool

	mutex sync.Mutex
}

type waitingPoint struct {
	pos   int64
	ch    chan struct{}
	count int
}

func New(doneUpto int64, maxWaiting int) *WatchersHub {
	return &WatchersHub{
		wpoints:    make(map[int64]*waitingPoint),
		doneUpto:   doneUpto,
		maxWaiting: maxWaiting,
	}
}

func (w *WatchersHub) Status() (doneUpto int64, waiting int, err error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return 0, 0, ErrAlreadyClosed
	}

	return w.doneUpto, w.waiting, nil
}

func (w *WatchersHub) DoneUpto(pos int64) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}

	if w.doneUpto >= pos {
		return nil
	}

	for p, wp := range w.wpoints {
		if p <= pos {
			close(wp.ch)
			delete(w.wpoints, p)
		}
	}

	w.doneUpto = pos

	return nil
}

// WaitFor blocks until DoneUpto was called with a value >= pos or ctx is done.
func (w *WatchersHub) WaitFor(ctx context.Context, pos int64) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}

	if w.doneUpto >= pos {
		return nil
	}

	if w.waiting == w.maxWaiting {
		return ErrMaxWaitessLimitExceeded
	}

	wp, waiting := w.wpoints[pos]
	if !waiting {
		wp = &waitingPoint{pos: pos, ch: make(chan struct{})}
		w.wpoints[pos] = wp
	}

	wp.count++
	w.waiting++

	defer func() {
		w.waiting--
		wp.count--

		if wp.count == 0 && !w.closed {
			if cur, ok := w.wpoints[pos]; ok && cur == wp {
				delete(w.wpoints, pos)
			}
		}
	}()

	w.mutex.Unlock()

	cancelled := false
	select {
	case <-wp.ch:
	case <-ctx.Done():
		cancelled = true
	}

	w.mutex.Lock()

	if w.closed {
		return ErrAlreadyClosed
	}

	if cancelled {
		return errors.Join(ErrCancellationRequested, ctx.Err())
	}

	return nil
}

func (w *WatchersHub) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}

	w.closed = true

	for _, wp := range w.wpoints {
		close(wp.ch)
	}

	return nil
}
