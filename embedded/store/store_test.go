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

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codenotary/eventdb/embedded/index"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testOptions() *Options {
	return DefaultOptions().
		WithChunkSize(4096).
		WithSynced(false).
		WithLogger(logger.NewMemoryLogger())
}

func openStore(t *testing.T, dir string, opts *Options) *Store {
	s, err := Open(dir, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		if !s.IsClosed() {
			s.Close()
		}
	})

	return s
}

func newEvents(prefix string, n int) []EventData {
	events := make([]EventData, n)

	for i := range events {
		events[i] = EventData{
			EventID: uuid.New(),
			Type:    "test",
			IsJSON:  true,
			Data:    []byte(fmt.Sprintf(`{"%s":%d}`, prefix, i)),
		}
	}

	return events
}

func readAllEvents(t *testing.T, s *Store, stream string) []*ResolvedEvent {
	slice, err := s.ReadStreamForward(context.Background(), stream, 0, 1000, false)
	require.NoError(t, err)
	require.True(t, slice.IsEndOfStream)
	return slice.Events
}

func eventNumbers(events []*ResolvedEvent) []int64 {
	var numbers []int64
	for _, e := range events {
		numbers = append(numbers, e.OriginalEventNumber())
	}
	return numbers
}

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *testClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type manualAcceptor struct {
	mutex   sync.Mutex
	pending []chan error
}

func (a *manualAcceptor) Register(_ uuid.UUID, _ int64) <-chan error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	ch := make(chan error, 1)
	a.pending = append(a.pending, ch)
	return ch
}

func (a *manualAcceptor) acceptAll() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	n := len(a.pending)
	for _, ch := range a.pending {
		ch <- nil
	}
	a.pending = nil
	return n
}

// resolve answers the registrations in the given order.
func (a *manualAcceptor) resolve(t *testing.T, errs ...error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	require.Len(t, a.pending, len(errs))

	for i := len(errs) - 1; i >= 0; i-- {
		a.pending[i] <- errs[i]
	}
	a.pending = nil
}

func (a *manualAcceptor) registered() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.pending)
}

type collectingListener struct {
	mutex  sync.Mutex
	events []*EventRecord
}

func (l *collectingListener) OnCommitted(events []*EventRecord) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.events = append(l.events, events...)
}

func (l *collectingListener) count() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.events)
}

func TestInvalidOptions(t *testing.T) {
	_, err := Open(t.TempDir(), nil)
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = Open(t.TempDir(), testOptions().WithHashCollisionReadLimit(0))
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = Open(t.TempDir(), testOptions().WithHasher(nil))
	require.ErrorIs(t, err, ErrIllegalArguments)
}

func TestAppendAndReadStream(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	events := newEvents("a", 3)

	res, err := s.Append(ctx, "orders-1", ExpectedNoStream, events)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.NextExpectedVersion)
	require.Greater(t, res.LogPosition.CommitPosition, res.LogPosition.PreparePosition)

	slice, err := s.ReadStreamForward(ctx, "orders-1", 0, 10, false)
	require.NoError(t, err)
	require.True(t, slice.IsEndOfStream)
	require.Equal(t, int64(3), slice.NextEventNumber)
	require.Equal(t, int64(2), slice.LastEventNumber)
	require.Len(t, slice.Events, 3)

	for i, e := range slice.Events {
		require.Equal(t, "orders-1", e.Event.StreamID)
		require.Equal(t, int64(i), e.Event.EventNumber)
		require.Equal(t, events[i].EventID, e.Event.EventID)
		require.Equal(t, events[i].Data, e.Event.Data)
		require.True(t, e.Event.IsJSON())
	}

	slice, err = s.ReadStreamBackward(ctx, "orders-1", ReadFromEnd, 2, false)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 1}, eventNumbers(slice.Events))
	require.False(t, slice.IsEndOfStream)
	require.Equal(t, int64(0), slice.NextEventNumber)

	slice, err = s.ReadStreamBackward(ctx, "orders-1", slice.NextEventNumber, 2, false)
	require.NoError(t, err)
	require.Equal(t, []int64{0}, eventNumbers(slice.Events))
	require.True(t, slice.IsEndOfStream)

	slice, err = s.ReadStreamForward(ctx, "orders-1", 1, 1, false)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, eventNumbers(slice.Events))
	require.False(t, slice.IsEndOfStream)

	slice, err = s.ReadStreamForward(ctx, "orders-1", 10, 5, false)
	require.NoError(t, err)
	require.Empty(t, slice.Events)
	require.True(t, slice.IsEndOfStream)

	last, err := s.ReadEvent(ctx, "orders-1", -1, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), last.Event.EventNumber)

	_, err = s.ReadEvent(ctx, "orders-1", 3, false)
	require.ErrorIs(t, err, ErrRecordNotFound)

	_, err = s.ReadEvent(ctx, "missing", 0, false)
	require.ErrorIs(t, err, ErrStreamNotFound)
	require.ErrorIs(t, err, ErrRecordNotFound)

	_, err = s.ReadStreamForward(ctx, "missing", 0, 10, false)
	require.ErrorIs(t, err, ErrStreamNotFound)

	_, err = s.ReadStreamForward(ctx, "orders-1", 0, 0, false)
	require.ErrorIs(t, err, ErrIllegalArguments)
}

func TestAppendExpectedVersions(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	_, err := s.Append(ctx, "s", ExpectedStreamExists, newEvents("a", 1))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	_, err = s.Append(ctx, "s", 0, newEvents("a", 1))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	res, err := s.Append(ctx, "s", ExpectedNoStream, newEvents("a", 2))
	require.NoError(t, err)
	require.Equal(t, int64(1), res.NextExpectedVersion)

	_, err = s.Append(ctx, "s", ExpectedNoStream, newEvents("b", 1))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	var wev *WrongExpectedVersionError
	require.True(t, errors.As(err, &wev))
	require.Equal(t, "s", wev.Stream)
	require.Equal(t, ExpectedNoStream, wev.ExpectedVersion)
	require.Equal(t, int64(1), wev.ActualVersion)

	res, err = s.Append(ctx, "s", 1, newEvents("c", 1))
	require.NoError(t, err)
	require.Equal(t, int64(2), res.NextExpectedVersion)

	res, err = s.Append(ctx, "s", ExpectedStreamExists, newEvents("d", 1))
	require.NoError(t, err)
	require.Equal(t, int64(3), res.NextExpectedVersion)

	res, err = s.Append(ctx, "s", ExpectedAny, newEvents("e", 2))
	require.NoError(t, err)
	require.Equal(t, int64(5), res.NextExpectedVersion)

	_, err = s.Append(ctx, "s", 9, newEvents("f", 1))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	_, err = s.Append(ctx, "s", -3, newEvents("f", 1))
	require.ErrorIs(t, err, ErrIllegalArguments)

	res, err = s.Append(ctx, "s", 5, nil)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.NextExpectedVersion)

	require.Len(t, readAllEvents(t, s, "s"), 6)
}

func TestIdempotentAppend(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	events := newEvents("a", 3)

	_, err := s.Append(ctx, "s", ExpectedNoStream, events)
	require.NoError(t, err)

	t.Run("whole batch", func(t *testing.T) {
		res, err := s.Append(ctx, "s", ExpectedNoStream, events)
		require.NoError(t, err)
		require.Equal(t, int64(2), res.NextExpectedVersion)
	})

	t.Run("prefix", func(t *testing.T) {
		res, err := s.Append(ctx, "s", ExpectedNoStream, events[:2])
		require.NoError(t, err)
		require.Equal(t, int64(1), res.NextExpectedVersion)
	})

	t.Run("suffix at exact version", func(t *testing.T) {
		res, err := s.Append(ctx, "s", 0, events[1:])
		require.NoError(t, err)
		require.Equal(t, int64(2), res.NextExpectedVersion)
	})

	t.Run("any", func(t *testing.T) {
		res, err := s.Append(ctx, "s", ExpectedAny, events)
		require.NoError(t, err)
		require.Equal(t, int64(2), res.NextExpectedVersion)
	})

	t.Run("partial match", func(t *testing.T) {
		_, err := s.Append(ctx, "s", ExpectedNoStream, append([]EventData{events[0]}, newEvents("b", 1)...))
		require.ErrorIs(t, err, ErrWrongExpectedVersion)
	})

	require.Len(t, readAllEvents(t, s, "s"), 3)

	_, err = s.Append(ctx, "s", 2, newEvents("c", 2))
	require.NoError(t, err)

	t.Run("version moved on", func(t *testing.T) {
		_, err := s.Append(ctx, "s", 2, newEvents("d", 1))
		require.ErrorIs(t, err, ErrWrongExpectedVersion)
	})

	require.Len(t, readAllEvents(t, s, "s"), 5)
}

func TestIdempotentAppendAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	events := newEvents("a", 2)

	s := openStore(t, dir, testOptions())

	_, err := s.Append(ctx, "s", ExpectedNoStream, events)
	require.NoError(t, err)

	require.NoError(t, s.Close())

	s = openStore(t, dir, testOptions())

	res, err := s.Append(ctx, "s", ExpectedNoStream, events)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.NextExpectedVersion)

	require.Len(t, readAllEvents(t, s, "s"), 2)
}

func TestTombstone(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	_, err := s.Append(ctx, "s", ExpectedNoStream, newEvents("a", 2))
	require.NoError(t, err)

	_, err = s.Tombstone(ctx, "s", 0)
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	res, err := s.Tombstone(ctx, "s", 1)
	require.NoError(t, err)
	require.Equal(t, DeletedStreamEventNumber, res.NextExpectedVersion)

	_, err = s.ReadStreamForward(ctx, "s", 0, 10, false)
	require.ErrorIs(t, err, ErrStreamDeleted)

	_, err = s.ReadStreamBackward(ctx, "s", ReadFromEnd, 10, false)
	require.ErrorIs(t, err, ErrStreamDeleted)

	_, err = s.ReadEvent(ctx, "s", 0, false)
	require.ErrorIs(t, err, ErrStreamDeleted)

	_, err = s.Append(ctx, "s", ExpectedAny, newEvents("b", 1))
	require.ErrorIs(t, err, ErrStreamDeleted)

	_, err = s.Tombstone(ctx, "s", ExpectedAny)
	require.ErrorIs(t, err, ErrStreamDeleted)

	_, err = s.SoftDelete(ctx, "s", ExpectedAny)
	require.ErrorIs(t, err, ErrStreamDeleted)

	_, err = s.SetStreamMetadata(ctx, "s", ExpectedAny, (&StreamMetadata{}).WithMaxCount(1))
	require.ErrorIs(t, err, ErrStreamDeleted)

	res, err = s.Tombstone(ctx, "never-written", ExpectedNoStream)
	require.NoError(t, err)
	require.Equal(t, DeletedStreamEventNumber, res.NextExpectedVersion)

	_, err = s.Append(ctx, "never-written", ExpectedNoStream, newEvents("c", 1))
	require.ErrorIs(t, err, ErrStreamDeleted)
}

func TestSoftDelete(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	_, err := s.SoftDelete(ctx, "s", ExpectedAny)
	require.ErrorIs(t, err, ErrStreamNotFound)

	_, err = s.Append(ctx, "s", ExpectedNoStream, newEvents("a", 3))
	require.NoError(t, err)

	_, err = s.SoftDelete(ctx, "s", 1)
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	_, err = s.SoftDelete(ctx, "s", 2)
	require.NoError(t, err)

	_, err = s.ReadStreamForward(ctx, "s", 0, 10, false)
	require.ErrorIs(t, err, ErrStreamNotFound)

	meta, metaVersion, err := s.GetStreamMetadata(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, int64(0), metaVersion)
	require.NotNil(t, meta.TruncateBefore)
	require.Equal(t, int64(3), *meta.TruncateBefore)

	res, err := s.Append(ctx, "s", ExpectedNoStream, newEvents("b", 1))
	require.NoError(t, err)
	require.Equal(t, int64(3), res.NextExpectedVersion)

	require.Equal(t, []int64{3}, eventNumbers(readAllEvents(t, s, "s")))

	_, err = s.ReadEvent(ctx, "s", 1, false)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestStreamMetadata(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	meta, metaVersion, err := s.GetStreamMetadata(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, int64(-1), metaVersion)
	require.Nil(t, meta.MaxCount)

	_, err = s.SetStreamMetadata(ctx, "s", 0, (&StreamMetadata{}).WithMaxCount(3))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	_, err = s.SetStreamMetadata(ctx, "s", ExpectedNoStream, (&StreamMetadata{}).WithMaxCount(3).WithMaxAge(time.Hour))
	require.NoError(t, err)

	meta, metaVersion, err = s.GetStreamMetadata(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, int64(0), metaVersion)
	require.Equal(t, int64(3), *meta.MaxCount)
	require.Equal(t, time.Hour, *meta.MaxAge)

	_, err = s.SetStreamMetadata(ctx, "s", 0, (&StreamMetadata{}).WithMaxCount(5))
	require.NoError(t, err)

	meta, metaVersion, err = s.GetStreamMetadata(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, int64(1), metaVersion)
	require.Equal(t, int64(5), *meta.MaxCount)
	require.Nil(t, meta.MaxAge)

	// only the last metadata event is kept visible
	slice, err := s.ReadStreamForward(ctx, MetastreamOf("s"), 0, 10, false)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, eventNumbers(slice.Events))

	_, err = s.SetStreamMetadata(ctx, "s", ExpectedAny, (&StreamMetadata{}).WithMaxCount(-1))
	require.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = s.Append(ctx, MetastreamOf("s"), ExpectedAny, []EventData{{
		EventID: uuid.New(),
		Type:    MetadataEventType,
		Data:    []byte("{not json"),
	}})
	require.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestMaxCount(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	_, err := s.SetStreamMetadata(ctx, "s", ExpectedAny, (&StreamMetadata{}).WithMaxCount(2))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "s", int64(i)-1, newEvents("a", 1))
		require.NoError(t, err)
	}

	require.Equal(t, []int64{3, 4}, eventNumbers(readAllEvents(t, s, "s")))

	slice, err := s.ReadStreamBackward(ctx, "s", ReadFromEnd, 10, false)
	require.NoError(t, err)
	require.Equal(t, []int64{4, 3}, eventNumbers(slice.Events))
	require.True(t, slice.IsEndOfStream)

	_, err = s.ReadEvent(ctx, "s", 0, false)
	require.ErrorIs(t, err, ErrRecordNotFound)

	e, err := s.ReadEvent(ctx, "s", 3, false)
	require.NoError(t, err)
	require.Equal(t, int64(3), e.Event.EventNumber)
}

func TestMaxAge(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}

	s := openStore(t, t.TempDir(), testOptions().WithTimeFunc(clock.Now))
	ctx := context.Background()

	_, err := s.Append(ctx, "s", ExpectedNoStream, newEvents("old", 2))
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = s.Append(ctx, "s", 1, newEvents("new", 1))
	require.NoError(t, err)

	_, err = s.SetStreamMetadata(ctx, "s", ExpectedAny, (&StreamMetadata{}).WithMaxAge(time.Hour))
	require.NoError(t, err)

	require.Equal(t, []int64{2}, eventNumbers(readAllEvents(t, s, "s")))

	_, err = s.ReadEvent(ctx, "s", 0, false)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestHashCollisions(t *testing.T) {
	constant := index.HasherFunc(func(string) uint64 { return 42 })

	s := openStore(t, t.TempDir(), testOptions().WithHasher(constant).WithMaxMemTableSize(8))
	ctx := context.Background()

	streams := []string{"left", "right", "other"}

	for i := 0; i < 10; i++ {
		for _, stream := range streams {
			_, err := s.Append(ctx, stream, int64(i)-1, newEvents(stream, 1))
			require.NoError(t, err)
		}
	}

	for _, stream := range streams {
		events := readAllEvents(t, s, stream)
		require.Len(t, events, 10)

		for i, e := range events {
			require.Equal(t, stream, e.Event.StreamID)
			require.Equal(t, int64(i), e.Event.EventNumber)
		}

		slice, err := s.ReadStreamBackward(ctx, stream, ReadFromEnd, 3, false)
		require.NoError(t, err)
		require.Equal(t, []int64{9, 8, 7}, eventNumbers(slice.Events))

		e, err := s.ReadEvent(ctx, stream, 5, false)
		require.NoError(t, err)
		require.Equal(t, stream, e.Event.StreamID)
	}

	_, err := s.Append(ctx, "left", 8, newEvents("x", 1))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	_, err = s.Tombstone(ctx, "right", ExpectedAny)
	require.NoError(t, err)

	_, err = s.ReadStreamForward(ctx, "right", 0, 10, false)
	require.ErrorIs(t, err, ErrStreamDeleted)

	require.Len(t, readAllEvents(t, s, "left"), 10)
}

func TestHashCollisionReadLimit(t *testing.T) {
	constant := index.HasherFunc(func(string) uint64 { return 7 })

	s := openStore(t, t.TempDir(), testOptions().WithHasher(constant).WithHashCollisionReadLimit(3))
	ctx := context.Background()

	_, err := s.Append(ctx, "quiet", ExpectedNoStream, newEvents("q", 1))
	require.NoError(t, err)

	_, err = s.Append(ctx, "busy", ExpectedNoStream, newEvents("b", 5))
	require.NoError(t, err)

	// the newest entries sharing the hash all belong to busy
	e, err := s.ReadEvent(ctx, "quiet", 0, false)
	require.ErrorIs(t, err, ErrStreamNotFound)
	require.Nil(t, e)

	e, err = s.ReadEvent(ctx, "busy", 4, false)
	require.NoError(t, err)
	require.Equal(t, "busy", e.Event.StreamID)
}

func TestReadAll(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	var written []uuid.UUID

	for i := 0; i < 6; i++ {
		events := newEvents("all", 1+i%3)
		for _, e := range events {
			written = append(written, e.EventID)
		}

		_, err := s.Append(ctx, fmt.Sprintf("stream-%d", i%2), ExpectedAny, events)
		require.NoError(t, err)
	}

	var forward []*ResolvedEvent

	pos := StartPosition

	for {
		slice, err := s.ReadAllForward(ctx, pos, 2, false)
		require.NoError(t, err)

		forward = append(forward, slice.Events...)

		if slice.IsEndOfAll {
			break
		}

		require.NotEqual(t, pos, slice.NextPosition)
		pos = slice.NextPosition
	}

	require.Len(t, forward, len(written))

	for i, e := range forward {
		require.Equal(t, written[i], e.Event.EventID)
		require.NotNil(t, e.OriginalPosition)

		if i > 0 {
			require.Equal(t, 1, e.OriginalPosition.Compare(*forward[i-1].OriginalPosition))
		}
	}

	var backward []*ResolvedEvent

	pos = EndPosition

	for {
		slice, err := s.ReadAllBackward(ctx, pos, 2, false)
		require.NoError(t, err)

		backward = append(backward, slice.Events...)

		if slice.IsEndOfAll {
			break
		}

		pos = slice.NextPosition
	}

	require.Len(t, backward, len(written))

	for i, e := range backward {
		require.Equal(t, written[len(written)-1-i], e.Event.EventID)
	}

	slice, err := s.ReadAllForward(ctx, EndPosition, 10, false)
	require.NoError(t, err)
	require.Empty(t, slice.Events)
	require.True(t, slice.IsEndOfAll)

	_, err = s.ReadAllForward(ctx, StartPosition, 0, false)
	require.ErrorIs(t, err, ErrIllegalArguments)
}

func TestReadAllCancelled(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())

	_, err := s.Append(context.Background(), "s", ExpectedAny, newEvents("a", 3))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.ReadAllForward(ctx, StartPosition, 10, false)
	require.ErrorIs(t, err, context.Canceled)

	_, err = s.ReadStreamForward(ctx, "s", 0, 10, false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLinkResolution(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	target := newEvents("target", 1)

	_, err := s.Append(ctx, "target", ExpectedNoStream, target)
	require.NoError(t, err)

	_, err = s.Append(ctx, "links", ExpectedNoStream, []EventData{{
		EventID: uuid.New(),
		Type:    LinkEventType,
		Data:    LinkData("target", 0),
	}})
	require.NoError(t, err)

	slice, err := s.ReadStreamForward(ctx, "links", 0, 10, true)
	require.NoError(t, err)
	require.Len(t, slice.Events, 1)

	r := slice.Events[0]
	require.NotNil(t, r.Link)
	require.NotNil(t, r.Event)
	require.Equal(t, target[0].EventID, r.Event.EventID)
	require.Equal(t, "links", r.OriginalStreamID())
	require.Equal(t, int64(0), r.OriginalEventNumber())

	slice, err = s.ReadStreamForward(ctx, "links", 0, 10, false)
	require.NoError(t, err)
	require.Nil(t, slice.Events[0].Link)
	require.Equal(t, LinkEventType, slice.Events[0].Event.EventType)

	_, err = s.Tombstone(ctx, "target", ExpectedAny)
	require.NoError(t, err)

	slice, err = s.ReadStreamForward(ctx, "links", 0, 10, true)
	require.NoError(t, err)
	require.Nil(t, slice.Events[0].Event)
	require.NotNil(t, slice.Events[0].Link)
	require.Equal(t, "links", slice.Events[0].OriginalStreamID())
}

func TestParseLink(t *testing.T) {
	stream, n, ok := ParseLink(LinkData("a@b", 12))
	require.True(t, ok)
	require.Equal(t, "a@b", stream)
	require.Equal(t, int64(12), n)

	for _, data := range []string{"", "12", "@s", "x@s", "-1@s", "3@"} {
		_, _, ok := ParseLink([]byte(data))
		require.False(t, ok, data)
	}
}

func TestReopenAndIndexRebuild(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	opts := testOptions().WithMaxMemTableSize(4)

	s := openStore(t, dir, opts)

	for i := 0; i < 20; i++ {
		_, err := s.Append(ctx, fmt.Sprintf("s-%d", i%3), ExpectedAny, newEvents("r", 2))
		require.NoError(t, err)
	}

	writerBefore := s.Checkpoints().Writer.Read()

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), ErrAlreadyClosed)

	s = openStore(t, dir, opts)

	require.GreaterOrEqual(t, s.Checkpoints().Writer.Read(), writerBefore)

	for i := 0; i < 3; i++ {
		require.NotEmpty(t, readAllEvents(t, s, fmt.Sprintf("s-%d", i)))
	}

	expected := map[string]int{}
	for i := 0; i < 3; i++ {
		expected[fmt.Sprintf("s-%d", i)] = len(readAllEvents(t, s, fmt.Sprintf("s-%d", i)))
	}

	require.NoError(t, s.Close())

	require.NoError(t, os.RemoveAll(filepath.Join(dir, indexDirname)))

	s = openStore(t, dir, opts)

	for stream, n := range expected {
		require.Len(t, readAllEvents(t, s, stream), n)
	}

	res, err := s.Append(ctx, "s-0", ExpectedAny, newEvents("after", 1))
	require.NoError(t, err)
	require.Equal(t, int64(expected["s-0"]), res.NextExpectedVersion)
}

func TestCheckpointsAreMonotonic(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	prevWriter := s.Checkpoints().Writer.Read()
	prevChaser := s.Checkpoints().Chaser.ReadNonFlushed()

	for i := 0; i < 30; i++ {
		_, err := s.Append(ctx, "s", ExpectedAny, newEvents("m", 1+i%4))
		require.NoError(t, err)

		writer := s.Checkpoints().Writer.Read()
		chaser := s.Checkpoints().Chaser.ReadNonFlushed()

		require.GreaterOrEqual(t, writer, prevWriter)
		require.GreaterOrEqual(t, chaser, prevChaser)
		require.LessOrEqual(t, chaser, writer)
		require.LessOrEqual(t, s.IndexedPosition(), writer)

		prevWriter, prevChaser = writer, chaser
	}
}

func TestQuorumTimeout(t *testing.T) {
	acceptor := &manualAcceptor{}

	s := openStore(t, t.TempDir(), testOptions().WithCommitAcceptor(acceptor))

	events := newEvents("q", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Append(ctx, "s", ExpectedNoStream, events)
	require.ErrorIs(t, err, ErrReplicationQuorumTimeout)

	_, err = s.ReadStreamForward(context.Background(), "s", 0, 10, false)
	require.ErrorIs(t, err, ErrStreamNotFound)

	// the write is not rolled back and commits once accepted
	require.Equal(t, 1, acceptor.acceptAll())

	require.Eventually(t, func() bool {
		slice, err := s.ReadStreamForward(context.Background(), "s", 0, 10, false)
		return err == nil && len(slice.Events) == 2
	}, 5*time.Second, 10*time.Millisecond)

	res, err := s.Append(context.Background(), "s", ExpectedNoStream, events)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.NextExpectedVersion)
}

func TestPendingVersionIsVisibleToWriters(t *testing.T) {
	acceptor := &manualAcceptor{}

	s := openStore(t, t.TempDir(), testOptions().WithCommitAcceptor(acceptor))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Append(ctx, "s", ExpectedNoStream, newEvents("a", 1))
	require.ErrorIs(t, err, ErrReplicationQuorumTimeout)

	_, err = s.Append(ctx, "s", ExpectedNoStream, newEvents("b", 1))
	require.ErrorIs(t, err, ErrWrongExpectedVersion)

	done := make(chan error, 1)

	go func() {
		_, err := s.Append(context.Background(), "s", 0, newEvents("c", 1))
		done <- err
	}()

	require.Eventually(t, func() bool { return acceptor.acceptAll() > 0 }, 5*time.Second, 5*time.Millisecond)

	// the second write may register after the first acceptance round
	var appendErr error

	require.Eventually(t, func() bool {
		acceptor.acceptAll()
		select {
		case appendErr = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, appendErr)

	require.Eventually(t, func() bool {
		slice, err := s.ReadStreamForward(context.Background(), "s", 0, 10, false)
		return err == nil && len(slice.Events) == 2 && slice.Events[0].Event.EventNumber == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAbandonedOnClose(t *testing.T) {
	acceptor := &manualAcceptor{}

	s := openStore(t, t.TempDir(), testOptions().WithCommitAcceptor(acceptor))

	done := make(chan error, 1)

	go func() {
		_, err := s.Append(context.Background(), "s", ExpectedNoStream, newEvents("a", 1))
		done <- err
	}()

	require.Eventually(t, func() bool {
		acceptor.mutex.Lock()
		defer acceptor.mutex.Unlock()
		return len(acceptor.pending) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())

	err := <-done
	require.ErrorIs(t, err, ErrTransactionAbandoned)
}

func TestReadOnlyStore(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, testOptions())

	_, err := s.Append(context.Background(), "s", ExpectedAny, newEvents("a", 1))
	require.NoError(t, err)

	require.NoError(t, s.Close())

	s = openStore(t, dir, testOptions().WithReadOnly(true))
	require.True(t, s.ReadOnly())

	_, err = s.Append(context.Background(), "s", ExpectedAny, newEvents("b", 1))
	require.ErrorIs(t, err, ErrNotLeader)

	_, err = s.Tombstone(context.Background(), "s", ExpectedAny)
	require.ErrorIs(t, err, ErrNotLeader)

	require.Len(t, readAllEvents(t, s, "s"), 1)
}

func TestCommitListenersAndHooks(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	ctx := context.Background()

	require.NoError(t, s.WaitForIndexed(ctx, s.Checkpoints().Writer.Read()))

	l := &collectingListener{}
	remove := s.AddCommitListener(l)

	var hooked sync.Map
	s.AddRecordHook(func(rec logrecord.LogRecord) {
		hooked.Store(rec.Position(), true)
	})

	_, err := s.Append(ctx, "s", ExpectedAny, newEvents("a", 3))
	require.NoError(t, err)

	require.Equal(t, 3, l.count())

	l.mutex.Lock()
	for i, e := range l.events {
		require.Equal(t, int64(i), e.EventNumber)
		require.Greater(t, e.CommitPosition, e.LogPosition)
	}
	l.mutex.Unlock()

	remove()

	_, err = s.Append(ctx, "s", ExpectedAny, newEvents("b", 1))
	require.NoError(t, err)

	require.Equal(t, 3, l.count())

	n := 0
	hooked.Range(func(_, _ any) bool {
		n++
		return true
	})
	// three prepares and a commit, then one prepare and a commit
	require.Equal(t, 6, n)
}

func TestAppendLimits(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions().WithMaxAppendSize(64))
	ctx := context.Background()

	_, err := s.Append(ctx, "s", ExpectedAny, []EventData{{EventID: uuid.New(), Type: "big", Data: make([]byte, 65)}})
	require.ErrorIs(t, err, ErrAppendTooLarge)

	_, err = s.Append(ctx, "s", ExpectedAny, []EventData{{EventID: uuid.New()}})
	require.ErrorIs(t, err, ErrIllegalArguments)

	_, err = s.Append(ctx, "", ExpectedAny, newEvents("a", 1))
	require.ErrorIs(t, err, ErrIllegalArguments)
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())
	require.NoError(t, s.Close())

	ctx := context.Background()

	_, err := s.Append(ctx, "s", ExpectedAny, newEvents("a", 1))
	require.ErrorIs(t, err, ErrAlreadyClosed)

	_, err = s.ReadStreamForward(ctx, "s", 0, 1, false)
	require.ErrorIs(t, err, ErrAlreadyClosed)

	_, err = s.ReadAllForward(ctx, StartPosition, 1, false)
	require.ErrorIs(t, err, ErrAlreadyClosed)

	_, _, err = s.GetStreamMetadata(ctx, "s")
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

// streamNumbersInLog returns the event numbers of stream in $all order.
func streamNumbersInLog(t *testing.T, s *Store, stream string) []int64 {
	var numbers []int64

	pos := StartPosition

	for {
		slice, err := s.ReadAllForward(context.Background(), pos, 100, false)
		require.NoError(t, err)

		for _, e := range slice.Events {
			if e.OriginalStreamID() == stream {
				numbers = append(numbers, e.OriginalEventNumber())
			}
		}

		if slice.IsEndOfAll {
			return numbers
		}
		pos = slice.NextPosition
	}
}

func sequence(n int) []int64 {
	numbers := make([]int64, n)
	for i := range numbers {
		numbers[i] = int64(i)
	}
	return numbers
}

func TestConcurrentAppendsToOneStream(t *testing.T) {
	s := openStore(t, t.TempDir(), testOptions())

	const appenders = 64

	readerErr := make(chan error, 1)

	// pages through the stream while it is being written
	go func() {
		next := int64(0)

		for next < appenders {
			slice, err := s.ReadStreamForward(context.Background(), "s", next, 5, false)
			if errors.Is(err, ErrStreamNotFound) {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				readerErr <- err
				return
			}

			if len(slice.Events) == 0 {
				time.Sleep(time.Millisecond)
			}

			for _, e := range slice.Events {
				if e.OriginalEventNumber() != next {
					readerErr <- fmt.Errorf("read event %d, expected %d", e.OriginalEventNumber(), next)
					return
				}
				next++
			}

			if slice.NextEventNumber != next {
				readerErr <- fmt.Errorf("next event number %d after reading up to %d", slice.NextEventNumber, next-1)
				return
			}
		}

		readerErr <- nil
	}()

	var wg sync.WaitGroup

	for i := 0; i < appenders; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, err := s.Append(context.Background(), "s", ExpectedAny, newEvents(fmt.Sprintf("a%d", i), 1))
			if err != nil {
				t.Error(err)
			}
		}(i)
	}

	wg.Wait()

	select {
	case err := <-readerErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "reader did not reach the end of the stream")
	}

	require.Equal(t, sequence(appenders), eventNumbers(readAllEvents(t, s, "s")))
	require.Equal(t, sequence(appenders), streamNumbersInLog(t, s, "s"))
}

func TestCommitsFollowEventNumberOrder(t *testing.T) {
	acceptor := &manualAcceptor{}

	s := openStore(t, t.TempDir(), testOptions().WithCommitAcceptor(acceptor))

	first := newEvents("first", 2)
	second := newEvents("second", 1)

	for _, events := range [][]EventData{first, second} {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := s.Append(ctx, "s", ExpectedAny, events)
		cancel()
		require.ErrorIs(t, err, ErrReplicationQuorumTimeout)
	}

	require.Equal(t, 2, acceptor.registered())

	// the later transaction is accepted first
	acceptor.resolve(t, nil, nil)

	require.Eventually(t, func() bool {
		slice, err := s.ReadStreamForward(context.Background(), "s", 0, 10, false)
		return err == nil && len(slice.Events) == 3
	}, 5*time.Second, 10*time.Millisecond)

	events := readAllEvents(t, s, "s")
	require.Equal(t, []int64{0, 1, 2}, eventNumbers(events))
	require.Equal(t, first[0].EventID, events[0].Event.EventID)
	require.Equal(t, second[0].EventID, events[2].Event.EventID)

	require.Equal(t, []int64{0, 1, 2}, streamNumbersInLog(t, s, "s"))
}

func TestRejectedTransactionAbandonsLaterOnSameStream(t *testing.T) {
	acceptor := &manualAcceptor{}

	s := openStore(t, t.TempDir(), testOptions().WithCommitAcceptor(acceptor))

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := s.Append(ctx, "s", ExpectedAny, newEvents("a", 1))
		cancel()
		require.ErrorIs(t, err, ErrReplicationQuorumTimeout)
	}

	acceptor.resolve(t, errors.New("rejected"), nil)

	require.Eventually(t, func() bool {
		s.pendingMutex.Lock()
		defer s.pendingMutex.Unlock()
		_, ok := s.precommitted["s"]
		return !ok
	}, 5*time.Second, 5*time.Millisecond)

	_, err := s.ReadStreamForward(context.Background(), "s", 0, 10, false)
	require.ErrorIs(t, err, ErrStreamNotFound)
	require.Empty(t, streamNumbersInLog(t, s, "s"))

	done := make(chan error, 1)

	go func() {
		_, err := s.Append(context.Background(), "s", ExpectedNoStream, newEvents("b", 1))
		done <- err
	}()

	require.Eventually(t, func() bool { return acceptor.acceptAll() > 0 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, <-done)

	require.Equal(t, []int64{0}, eventNumbers(readAllEvents(t, s, "s")))
}
