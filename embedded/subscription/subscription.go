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

	"github.com/codenotary/eventdb/embedded"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/store"
)

var ErrIllegalArguments = embedded.ErrIllegalArguments
var ErrAlreadyClosed = embedded.ErrAlreadyClosed
var ErrSubscriptionDropped = errors.New("subscription dropped")

var errFellBehind = errors.New("subscription fell behind the live feed")

type DropReason int

const (
	// Disposed by the subscriber: Close or context cancellation
	Disposed DropReason = iota
	// SubscriberError is a handler failure
	SubscriberError
	// ServerError covers deleted streams and closing stores
	ServerError
)

func (r DropReason) String() string {
	switch r {
	case Disposed:
		return "disposed"
	case SubscriberError:
		return "subscriber_error"
	case ServerError:
		return "server_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Dropped is the terminal state of a subscription.
type Dropped struct {
	Reason DropReason
	Err    error
}

func (d *Dropped) Error() string {
	if d.Err == nil {
		return fmt.Sprintf("%v: %v", ErrSubscriptionDropped, d.Reason)
	}
	return fmt.Sprintf("%v: %v: %v", ErrSubscriptionDropped, d.Reason, d.Err)
}

func (d *Dropped) Unwrap() []error {
	if d.Err == nil {
		return []error{ErrSubscriptionDropped}
	}
	return []error{ErrSubscriptionDropped, d.Err}
}

// Request selects what a subscription delivers. An empty Stream subscribes
// to $all. Start points are exclusive; nil starts from the beginning.
type Request struct {
	Stream string

	AfterEventNumber *int64
	AfterPosition    *store.TFPos

	// LiveOnly skips history and delivers events committed from now on
	LiveOnly bool

	ResolveLinkTos bool
}

func (r *Request) isAll() bool {
	return r.Stream == ""
}

// Message is either an event, the catch-up completion marker, or the
// terminal Dropped notification.
type Message struct {
	Event    *store.ResolvedEvent
	CaughtUp bool
	Dropped  *Dropped
}

// Manager feeds subscriptions from the commit notifications of a store.
type Manager struct {
	st   *store.Store
	opts *Options
	log  logger.Logger

	mutex  sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	removeListener func()

	wg sync.WaitGroup
}

func NewManager(st *store.Store, opts *Options) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: nil store", ErrIllegalArguments)
	}

	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		st:   st,
		opts: opts,
		log:  opts.logger,
		subs: make(map[uint64]*Subscription),
	}

	m.removeListener = st.AddCommitListener(m)

	return m, nil
}

// OnCommitted queues committed events on every subscription. It never
// blocks on subscribers.
func (m *Manager) OnCommitted(events []*store.EventRecord) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, s := range m.subs {
		s.enqueue(events)
	}
}

// Subscribe starts a catch-up subscription. It lives until ctx is done,
// Close is called, or it is dropped.
func (m *Manager) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	if req.isAll() && req.AfterEventNumber != nil {
		return nil, fmt.Errorf("%w: $all subscriptions start after a position", ErrIllegalArguments)
	}

	if !req.isAll() && req.AfterPosition != nil {
		return nil, fmt.Errorf("%w: stream subscriptions start after an event number", ErrIllegalArguments)
	}

	if req.AfterEventNumber != nil && *req.AfterEventNumber < -1 {
		return nil, fmt.Errorf("%w: invalid start event number", ErrIllegalArguments)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrAlreadyClosed
	}

	subCtx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		id:     m.nextID,
		m:      m,
		req:    req,
		ctx:    subCtx,
		cancel: cancel,
		msgs:   make(chan Message),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	m.nextID++

	// the live buffer is attached before anything is read
	m.subs[s.id] = s

	metricsActive.Inc()

	m.wg.Add(1)
	go s.run()

	return s, nil
}

// SubscribeWithHandlers runs a subscription calling onEvent for each event
// and onDropped once at the end.
func (m *Manager) SubscribeWithHandlers(ctx context.Context, req Request, onEvent Handler, onDropped func(*Dropped)) (*Subscription, error) {
	s, err := m.Subscribe(ctx, req)
	if err != nil {
		return nil, err
	}

	go func() {
		d := s.Run(ctx, onEvent)
		if onDropped != nil {
			onDropped(d)
		}
	}()

	return s, nil
}

func (m *Manager) remove(id uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.subs[id]; ok {
		delete(m.subs, id)
		metricsActive.Dec()
	}
}

// Count returns the number of active subscriptions.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.subs)
}

// Close drops every subscription with ServerError.
func (m *Manager) Close() error {
	m.mutex.Lock()

	if m.closed {
		m.mutex.Unlock()
		return ErrAlreadyClosed
	}

	m.closed = true

	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}

	m.mutex.Unlock()

	m.removeListener()

	for _, s := range subs {
		s.drop(ServerError, ErrAlreadyClosed)
	}

	m.wg.Wait()

	return nil
}

// Handler processes one event. The next event is not delivered before it
// returns; an error drops the subscription with SubscriberError.
type Handler func(ctx context.Context, e *store.ResolvedEvent) error

// Subscription delivers events in commit order, first from history and then
// from the live feed, without gaps or duplicates.
type Subscription struct {
	id  uint64
	m   *Manager
	req Request

	ctx    context.Context
	cancel context.CancelFunc

	msgs chan Message

	queueMutex sync.Mutex
	queue      []*store.EventRecord
	overflow   bool
	signal     chan struct{}

	// last delivered point
	started     bool
	lastNumber  int64
	lastPos     store.TFPos
	caughtUpMsg bool

	dropOnce sync.Once
	dropped  *Dropped
	done     chan struct{}

	recvMutex    sync.Mutex
	terminalSent bool
}

func (s *Subscription) Request() Request {
	return s.req
}

func (s *Subscription) enqueue(events []*store.EventRecord) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()

	if s.overflow {
		return
	}

	n := 0

	for _, e := range events {
		if !s.req.isAll() && e.StreamID != s.req.Stream {
			continue
		}

		if len(s.queue) == s.m.opts.maxLiveQueueSize {
			s.queue = nil
			s.overflow = true
			metricsOverflows.Inc()
			break
		}

		s.queue = append(s.queue, e)
		n++
	}

	if n > 0 || s.overflow {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

// takeQueue returns the buffered live events and whether some were lost.
func (s *Subscription) takeQueue() ([]*store.EventRecord, bool) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()

	if s.overflow {
		s.overflow = false
		return nil, true
	}

	q := s.queue
	s.queue = nil

	return q, false
}

func (s *Subscription) run() {
	defer s.m.wg.Done()

	err := s.deliverAll()

	switch {
	case errors.Is(err, store.ErrStreamDeleted):
		s.drop(ServerError, err)
	case errors.Is(err, store.ErrAlreadyClosed):
		s.drop(ServerError, err)
	case s.ctx.Err() != nil:
		s.drop(Disposed, nil)
	default:
		s.drop(ServerError, err)
	}
}

func (s *Subscription) deliverAll() error {
	err := s.init()
	if err != nil {
		return err
	}

	catchUp := !s.req.LiveOnly

	for {
		if catchUp {
			err := s.catchUp()
			if err != nil {
				return err
			}
		}

		if !s.caughtUpMsg {
			err := s.send(Message{CaughtUp: true})
			if err != nil {
				return err
			}
			s.caughtUpMsg = true

			s.m.log.Debugf("subscription %d: live on %s", s.id, s.target())
		}

		err := s.live()
		if !errors.Is(err, errFellBehind) {
			return err
		}

		s.m.log.Infof("subscription %d: %v, catching up from the log", s.id, err)

		catchUp = true
	}
}

func (s *Subscription) target() string {
	if s.req.isAll() {
		return "$all"
	}
	return s.req.Stream
}

// init sets the point after which events are delivered.
func (s *Subscription) init() error {
	switch {
	case s.req.isAll() && s.req.AfterPosition != nil:
		s.lastPos = *s.req.AfterPosition
		s.started = true
	case !s.req.isAll() && s.req.AfterEventNumber != nil:
		s.lastNumber = *s.req.AfterEventNumber
		s.started = true
	default:
		s.lastNumber = -1
	}

	if !s.req.LiveOnly {
		return nil
	}

	if s.req.isAll() {
		indexed := s.m.st.IndexedPosition()
		s.lastPos = store.TFPos{CommitPosition: indexed, PreparePosition: indexed}
		s.started = true
		return nil
	}

	slice, err := s.m.st.ReadStreamBackward(s.ctx, s.req.Stream, store.ReadFromEnd, 1, false)
	if errors.Is(err, store.ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.lastNumber = slice.LastEventNumber
	s.started = true

	return nil
}

func (s *Subscription) catchUp() error {
	if s.req.isAll() {
		return s.catchUpAll()
	}
	return s.catchUpStream()
}

func (s *Subscription) catchUpStream() error {
	from := s.lastNumber + 1

	for {
		slice, err := s.m.st.ReadStreamForward(s.ctx, s.req.Stream, from, s.m.opts.readBatchSize, s.req.ResolveLinkTos)
		if errors.Is(err, store.ErrStreamNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		for _, e := range slice.Events {
			err := s.deliver(e, false)
			if err != nil {
				return err
			}
		}

		if slice.IsEndOfStream {
			return nil
		}

		from = slice.NextEventNumber
	}
}

func (s *Subscription) catchUpAll() error {
	from := store.StartPosition
	if s.started {
		from = s.lastPos
	}

	for {
		slice, err := s.m.st.ReadAllForward(s.ctx, from, s.m.opts.readBatchSize, s.req.ResolveLinkTos)
		if err != nil {
			return err
		}

		for _, e := range slice.Events {
			err := s.deliver(e, false)
			if err != nil {
				return err
			}
		}

		if slice.IsEndOfAll {
			return nil
		}

		from = slice.NextPosition
	}
}

func (s *Subscription) live() error {
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-s.signal:
		}

		events, fellBehind := s.takeQueue()
		if fellBehind {
			return errFellBehind
		}

		for _, e := range events {
			if !s.req.isAll() && e.EventNumber == store.DeletedStreamEventNumber {
				return fmt.Errorf("%w: %q", store.ErrStreamDeleted, e.StreamID)
			}

			// events missing in between are read back from the log
			if !s.req.isAll() && e.EventNumber > s.lastNumber+1 {
				metricsLiveGaps.Inc()
				return fmt.Errorf("%w: got event %d of %q after %d", errFellBehind, e.EventNumber, e.StreamID, s.lastNumber)
			}

			r := &store.ResolvedEvent{Event: e}

			if s.req.ResolveLinkTos && e.EventType == store.LinkEventType {
				resolved, err := s.m.st.ResolveLink(s.ctx, e)
				if err != nil {
					return err
				}
				r = resolved
			}

			if s.req.isAll() {
				pos := e.Position()
				r.OriginalPosition = &pos
			}

			err := s.deliver(r, true)
			if err != nil {
				return err
			}
		}
	}
}

// deliver sends e unless it is at or before the last delivered point.
func (s *Subscription) deliver(e *store.ResolvedEvent, live bool) error {
	if s.req.isAll() {
		pos := e.OriginalEvent().Position()
		if e.OriginalPosition != nil {
			pos = *e.OriginalPosition
		}

		if s.started && pos.Compare(s.lastPos) <= 0 {
			return nil
		}

		err := s.send(Message{Event: e})
		if err != nil {
			return err
		}

		s.lastPos = pos
	} else {
		n := e.OriginalEventNumber()

		if n <= s.lastNumber {
			return nil
		}

		err := s.send(Message{Event: e})
		if err != nil {
			return err
		}

		s.lastNumber = n
	}

	s.started = true

	if live {
		metricsDeliveredLive.Inc()
	} else {
		metricsDeliveredHistory.Inc()
	}

	return nil
}

func (s *Subscription) send(msg Message) error {
	select {
	case s.msgs <- msg:
		return nil
	case <-s.done:
		return ErrSubscriptionDropped
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Subscription) drop(reason DropReason, err error) {
	s.dropOnce.Do(func() {
		s.dropped = &Dropped{Reason: reason, Err: err}

		close(s.done)
		s.cancel()

		s.m.remove(s.id)

		metricsDropped.WithLabelValues(reason.String()).Inc()

		if reason == Disposed {
			s.m.log.Debugf("subscription %d on %s disposed", s.id, s.target())
		} else {
			s.m.log.Warningf("subscription %d on %s dropped: %v", s.id, s.target(), s.dropped)
		}
	})
}

// Recv returns the next message. After the terminal Dropped message further
// calls fail with ErrSubscriptionDropped. A done ctx fails this call only.
func (s *Subscription) Recv(ctx context.Context) (Message, error) {
	s.recvMutex.Lock()
	defer s.recvMutex.Unlock()

	if s.terminalSent {
		return Message{}, s.dropped
	}

	select {
	case <-s.done:
		return s.terminal(), nil
	default:
	}

	select {
	case msg := <-s.msgs:
		select {
		case <-s.done:
			return s.terminal(), nil
		default:
			return msg, nil
		}
	case <-s.done:
		return s.terminal(), nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *Subscription) terminal() Message {
	s.terminalSent = true
	return Message{Dropped: s.dropped}
}

// Run delivers every event to handler until the subscription is dropped and
// returns the drop cause. Cancelling ctx disposes the subscription.
func (s *Subscription) Run(ctx context.Context, handler Handler) *Dropped {
	for {
		msg, err := s.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.Close()
				return s.Wait()
			}
			return s.Wait()
		}

		if msg.Dropped != nil {
			return msg.Dropped
		}

		if msg.Event == nil {
			continue
		}

		err = handler(ctx, msg.Event)
		if err != nil {
			s.drop(SubscriberError, err)
			return s.Wait()
		}
	}
}

// Close disposes the subscription.
func (s *Subscription) Close() {
	s.drop(Disposed, nil)
}

// Done is closed once the subscription is dropped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the subscription is dropped and returns the cause.
func (s *Subscription) Wait() *Dropped {
	<-s.done
	return s.dropped
}
