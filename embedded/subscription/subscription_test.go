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

package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/google/uuid"
	"github.com/jaswdr/faker"
	"github.com/stretchr/testify/require"
)

const recvTimeout = 5 * time.Second

func openStore(t *testing.T) *store.Store {
	opts := store.DefaultOptions().
		WithChunkSize(8192).
		WithSynced(false).
		WithLogger(logger.NewMemoryLogger())

	st, err := store.Open(t.TempDir(), opts)
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	return st
}

func newManager(t *testing.T, st *store.Store, opts *Options) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}

	m, err := NewManager(st, opts.WithLogger(logger.NewMemoryLogger()))
	require.NoError(t, err)

	t.Cleanup(func() { m.Close() })

	return m
}

func fakeEvents(n int) []store.EventData {
	generator := faker.New()
	p := generator.Person()
	py := generator.Payment()

	events := make([]store.EventData, n)

	for i := range events {
		events[i] = store.EventData{
			EventID: uuid.New(),
			Type:    "card-registered",
			IsJSON:  true,
			Data:    []byte(fmt.Sprintf(`{"holder":%q,"card":%q}`, p.FirstName()+" "+p.LastName(), py.CreditCardNumber())),
		}
	}

	return events
}

func appendN(t *testing.T, st *store.Store, stream string, n int) {
	_, err := st.Append(context.Background(), stream, store.ExpectedAny, fakeEvents(n))
	require.NoError(t, err)
}

func recv(t *testing.T, s *Subscription) Message {
	ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
	defer cancel()

	msg, err := s.Recv(ctx)
	require.NoError(t, err)

	return msg
}

func recvEvents(t *testing.T, s *Subscription, n int) []*store.ResolvedEvent {
	var events []*store.ResolvedEvent

	for len(events) < n {
		msg := recv(t, s)
		require.Nil(t, msg.Dropped)

		if msg.Event != nil {
			events = append(events, msg.Event)
		}
	}

	return events
}

func recvCaughtUp(t *testing.T, s *Subscription) []*store.ResolvedEvent {
	var events []*store.ResolvedEvent

	for {
		msg := recv(t, s)
		require.Nil(t, msg.Dropped)

		if msg.CaughtUp {
			return events
		}

		events = append(events, msg.Event)
	}
}

func recvDropped(t *testing.T, s *Subscription) *Dropped {
	for {
		msg := recv(t, s)
		if msg.Dropped != nil {
			return msg.Dropped
		}
	}
}

func numbers(events []*store.ResolvedEvent) []int64 {
	var res []int64
	for _, e := range events {
		res = append(res, e.OriginalEventNumber())
	}
	return res
}

func TestInvalidRequests(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	n := int64(3)
	pos := store.StartPosition

	_, err := m.Subscribe(context.Background(), Request{AfterEventNumber: &n})
	require.ErrorIs(t, err, ErrIllegalArguments)

	_, err = m.Subscribe(context.Background(), Request{Stream: "s", AfterPosition: &pos})
	require.ErrorIs(t, err, ErrIllegalArguments)

	_, err = NewManager(nil, DefaultOptions())
	require.ErrorIs(t, err, ErrIllegalArguments)

	_, err = NewManager(st, DefaultOptions().WithMaxLiveQueueSize(0))
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestStreamCatchUpThenLive(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	appendN(t, st, "cards", 5)
	appendN(t, st, "other", 2)

	s, err := m.Subscribe(context.Background(), Request{Stream: "cards"})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, []int64{0, 1, 2, 3, 4}, numbers(recvCaughtUp(t, s)))

	appendN(t, st, "other", 1)
	appendN(t, st, "cards", 3)

	events := recvEvents(t, s, 3)
	require.Equal(t, []int64{5, 6, 7}, numbers(events))

	for _, e := range events {
		require.Equal(t, "cards", e.OriginalStreamID())
	}
}

func TestSubscribeBeforeStreamExists(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	s, err := m.Subscribe(context.Background(), Request{Stream: "later"})
	require.NoError(t, err)
	defer s.Close()

	require.Empty(t, recvCaughtUp(t, s))

	appendN(t, st, "later", 2)

	require.Equal(t, []int64{0, 1}, numbers(recvEvents(t, s, 2)))
}

func TestStreamAfterEventNumber(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	appendN(t, st, "s", 5)

	after := int64(2)

	s, err := m.Subscribe(context.Background(), Request{Stream: "s", AfterEventNumber: &after})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, []int64{3, 4}, numbers(recvCaughtUp(t, s)))
}

func TestLiveOnly(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	appendN(t, st, "s", 3)

	s, err := m.Subscribe(context.Background(), Request{Stream: "s", LiveOnly: true})
	require.NoError(t, err)
	defer s.Close()

	require.Empty(t, recvCaughtUp(t, s))

	appendN(t, st, "s", 1)

	require.Equal(t, []int64{3}, numbers(recvEvents(t, s, 1)))

	all, err := m.Subscribe(context.Background(), Request{LiveOnly: true})
	require.NoError(t, err)
	defer all.Close()

	require.Empty(t, recvCaughtUp(t, all))

	appendN(t, st, "x", 1)

	events := recvEvents(t, all, 1)
	require.Equal(t, "x", events[0].OriginalStreamID())
}

func TestAllSubscriptionHasNoGapsUnderConcurrentAppends(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, DefaultOptions().WithReadBatchSize(7))

	for i := 0; i < 10; i++ {
		appendN(t, st, fmt.Sprintf("pre-%d", i%3), 1+i%2)
	}

	slice, err := st.ReadAllBackward(context.Background(), store.EndPosition, 1, false)
	require.NoError(t, err)
	require.Len(t, slice.Events, 1)

	start := *slice.Events[0].OriginalPosition

	const writers = 4
	const perWriter = 25

	var wg sync.WaitGroup

	for w := 0; w < writers; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < perWriter; i++ {
				_, err := st.Append(context.Background(), fmt.Sprintf("writer-%d", w), store.ExpectedAny, fakeEvents(1+i%3))
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}

	s, err := m.Subscribe(context.Background(), Request{AfterPosition: &start})
	require.NoError(t, err)
	defer s.Close()

	wg.Wait()

	var expected []store.TFPos

	from := start
	for {
		slice, err := st.ReadAllForward(context.Background(), from, 100, false)
		require.NoError(t, err)

		for _, e := range slice.Events {
			if e.OriginalPosition.Compare(start) > 0 {
				expected = append(expected, *e.OriginalPosition)
			}
		}

		if slice.IsEndOfAll {
			break
		}
		from = slice.NextPosition
	}

	require.NotEmpty(t, expected)

	var delivered []store.TFPos

	for len(delivered) < len(expected) {
		msg := recv(t, s)
		require.Nil(t, msg.Dropped)

		if msg.Event == nil {
			continue
		}

		require.NotNil(t, msg.Event.OriginalPosition)
		delivered = append(delivered, *msg.Event.OriginalPosition)
	}

	require.Equal(t, expected, delivered)
}

func TestLiveQueueOverflowFallsBackToCatchUp(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, DefaultOptions().WithMaxLiveQueueSize(2).WithReadBatchSize(3))

	s, err := m.Subscribe(context.Background(), Request{Stream: "s"})
	require.NoError(t, err)
	defer s.Close()

	require.Empty(t, recvCaughtUp(t, s))

	for i := 0; i < 10; i++ {
		appendN(t, st, "s", 2)
	}

	var events []*store.ResolvedEvent

	for len(events) < 20 {
		msg := recv(t, s)
		require.Nil(t, msg.Dropped)

		if msg.Event != nil {
			events = append(events, msg.Event)
		}
	}

	for i, e := range events {
		require.Equal(t, int64(i), e.OriginalEventNumber())
	}
}

func TestTombstoneDropsStreamSubscription(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	appendN(t, st, "s", 2)

	s, err := m.Subscribe(context.Background(), Request{Stream: "s"})
	require.NoError(t, err)

	require.Len(t, recvCaughtUp(t, s), 2)

	_, err = st.Tombstone(context.Background(), "s", store.ExpectedAny)
	require.NoError(t, err)

	d := recvDropped(t, s)
	require.Equal(t, ServerError, d.Reason)
	require.ErrorIs(t, d.Err, store.ErrStreamDeleted)

	_, err = s.Recv(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionDropped)

	s, err = m.Subscribe(context.Background(), Request{Stream: "s"})
	require.NoError(t, err)

	d = s.Wait()
	require.Equal(t, ServerError, d.Reason)
	require.ErrorIs(t, d, store.ErrStreamDeleted)
	require.ErrorIs(t, d, ErrSubscriptionDropped)
}

func TestCloseAndCancelDispose(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	s, err := m.Subscribe(context.Background(), Request{})
	require.NoError(t, err)

	recvCaughtUp(t, s)

	s.Close()

	d := recvDropped(t, s)
	require.Equal(t, Disposed, d.Reason)
	require.NoError(t, d.Err)

	ctx, cancel := context.WithCancel(context.Background())

	s, err = m.Subscribe(ctx, Request{Stream: "s"})
	require.NoError(t, err)

	cancel()

	d = s.Wait()
	require.Equal(t, Disposed, d.Reason)

	require.Eventually(t, func() bool { return m.Count() == 0 }, recvTimeout, 10*time.Millisecond)
}

func TestRecvTimeoutDoesNotDrop(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	s, err := m.Subscribe(context.Background(), Request{Stream: "s"})
	require.NoError(t, err)
	defer s.Close()

	recvCaughtUp(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	appendN(t, st, "s", 1)

	require.Equal(t, []int64{0}, numbers(recvEvents(t, s, 1)))
}

func TestRunHandlerErrorDropsSubscription(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	appendN(t, st, "s", 5)

	s, err := m.Subscribe(context.Background(), Request{Stream: "s"})
	require.NoError(t, err)

	failure := errors.New("handler failure")

	var handled []int64

	d := s.Run(context.Background(), func(_ context.Context, e *store.ResolvedEvent) error {
		handled = append(handled, e.OriginalEventNumber())
		if len(handled) == 2 {
			return failure
		}
		return nil
	})

	require.Equal(t, SubscriberError, d.Reason)
	require.ErrorIs(t, d.Err, failure)
	require.Equal(t, []int64{0, 1}, handled)
}

func TestSubscribeWithHandlers(t *testing.T) {
	st := openStore(t)

	m, err := NewManager(st, DefaultOptions().WithLogger(logger.NewMemoryLogger()))
	require.NoError(t, err)

	appendN(t, st, "s", 2)

	var mutex sync.Mutex
	var handled []int64

	dropped := make(chan *Dropped, 1)

	_, err = m.SubscribeWithHandlers(context.Background(), Request{Stream: "s", ResolveLinkTos: true},
		func(_ context.Context, e *store.ResolvedEvent) error {
			mutex.Lock()
			defer mutex.Unlock()
			handled = append(handled, e.OriginalEventNumber())
			return nil
		},
		func(d *Dropped) { dropped <- d },
	)
	require.NoError(t, err)

	appendN(t, st, "s", 1)

	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(handled) == 3
	}, recvTimeout, 10*time.Millisecond)

	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Close(), ErrAlreadyClosed)

	select {
	case d := <-dropped:
		require.Equal(t, ServerError, d.Reason)
		require.ErrorIs(t, d.Err, ErrAlreadyClosed)
	case <-time.After(recvTimeout):
		require.Fail(t, "subscription was not dropped")
	}

	_, err = m.Subscribe(context.Background(), Request{})
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestLinksAreResolvedLive(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	appendN(t, st, "target", 1)

	s, err := m.Subscribe(context.Background(), Request{Stream: "links", ResolveLinkTos: true})
	require.NoError(t, err)
	defer s.Close()

	recvCaughtUp(t, s)

	_, err = st.Append(context.Background(), "links", store.ExpectedAny, []store.EventData{{
		EventID: uuid.New(),
		Type:    store.LinkEventType,
		Data:    store.LinkData("target", 0),
	}})
	require.NoError(t, err)

	events := recvEvents(t, s, 1)
	require.NotNil(t, events[0].Link)
	require.NotNil(t, events[0].Event)
	require.Equal(t, "target", events[0].Event.StreamID)
	require.Equal(t, "links", events[0].OriginalStreamID())
}

func TestSubscriptionsUnderConcurrentAppendsToOneStream(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	s, err := m.Subscribe(context.Background(), Request{Stream: "s"})
	require.NoError(t, err)
	defer s.Close()

	all, err := m.Subscribe(context.Background(), Request{})
	require.NoError(t, err)
	defer all.Close()

	require.Empty(t, recvCaughtUp(t, s))
	require.Empty(t, recvCaughtUp(t, all))

	const appenders = 64

	var wg sync.WaitGroup

	for i := 0; i < appenders; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := st.Append(context.Background(), "s", store.ExpectedAny, fakeEvents(1))
			if err != nil {
				t.Error(err)
			}
		}()
	}

	wg.Wait()

	for _, sub := range []*Subscription{s, all} {
		events := recvEvents(t, sub, appenders)

		for i, e := range events {
			require.Equal(t, "s", e.OriginalStreamID())
			require.Equal(t, int64(i), e.OriginalEventNumber())
		}
	}
}

func TestStreamSubscriptionCatchesUpOnLiveGap(t *testing.T) {
	st := openStore(t)
	m := newManager(t, st, nil)

	s, err := m.Subscribe(context.Background(), Request{Stream: "s"})
	require.NoError(t, err)
	defer s.Close()

	require.Empty(t, recvCaughtUp(t, s))

	// the live feed misses the first two events
	m.removeListener()

	appendN(t, st, "s", 2)

	m.removeListener = st.AddCommitListener(m)

	appendN(t, st, "s", 1)

	events := recvEvents(t, s, 3)

	for i, e := range events {
		require.Equal(t, int64(i), e.OriginalEventNumber())
	}

	appendN(t, st, "s", 1)

	events = recvEvents(t, s, 1)
	require.Equal(t, int64(3), events[0].OriginalEventNumber())
}
