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
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/codenotary/eventdb/embedded/cache"
	"github.com/codenotary/eventdb/embedded/logrecord"
)

type streamInfo struct {
	metadata        *StreamMetadata
	metaEventNumber int64
}

// lastEventNumber returns the last indexed event number of stream, -1 when
// the stream has no events and DeletedStreamEventNumber once tombstoned.
// Only HashCollisionReadLimit candidates sharing the stream hash are checked.
func (s *Store) lastEventNumber(stream string) (int64, error) {
	entries, err := s.index.GetRange(stream, math.MinInt64, math.MaxInt64, s.opts.hashCollisionReadLimit)
	if err != nil {
		return 0, err
	}

	for _, e := range entries {
		p, err := s.readPrepare(e.Position)
		if err != nil {
			return 0, err
		}

		if p.EventStreamID == stream {
			return e.Version, nil
		}

		metricsCollisionReads.Inc()
	}

	return -1, nil
}

// currentVersion includes commits written but not indexed yet.
func (s *Store) currentVersion(stream string) (int64, error) {
	s.pendingMutex.Lock()
	ps, ok := s.precommitted[stream]
	s.pendingMutex.Unlock()

	if ok {
		return ps.lastEventNumber, nil
	}

	return s.lastEventNumber(stream)
}

// getPrepare looks up event eventNumber of stream, discriminating hash
// collisions against the log.
func (s *Store) getPrepare(stream string, eventNumber int64) (*logrecord.Prepare, error) {
	entries, err := s.index.GetRange(stream, eventNumber, eventNumber, s.opts.hashCollisionReadLimit)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		p, err := s.readPrepare(e.Position)
		if err != nil {
			return nil, err
		}

		if p.EventStreamID == stream {
			return p, nil
		}

		metricsCollisionReads.Inc()
	}

	return nil, fmt.Errorf("%w: event %d of stream %q", ErrRecordNotFound, eventNumber, stream)
}

// streamMetadata returns the metadata governing stream together with the
// event number of the metadata event (-1 when never set).
func (s *Store) streamMetadata(stream string) (*StreamMetadata, int64, error) {
	if IsMetastream(stream) {
		return metastreamMetadata(), -1, nil
	}

	info, err := s.streamInfo.Get(stream)
	if err == nil {
		return info.metadata, info.metaEventNumber, nil
	}
	if !errors.Is(err, cache.ErrKeyNotFound) {
		return nil, 0, err
	}

	meta := &StreamMetadata{}
	metaEventNumber := int64(-1)

	metastream := MetastreamOf(stream)

	last, err := s.lastEventNumber(metastream)
	if err != nil {
		return nil, 0, err
	}

	if last >= 0 && last != DeletedStreamEventNumber {
		p, err := s.getPrepare(metastream, last)
		if err != nil {
			return nil, 0, err
		}

		parsed, err := ParseStreamMetadata(p.Data)
		if err != nil {
			s.log.Warningf("store: ignoring invalid metadata of stream %q: %v", stream, err)
		} else {
			meta = parsed
		}

		metaEventNumber = last
	}

	s.streamInfo.Put(stream, &streamInfo{metadata: meta, metaEventNumber: metaEventNumber})

	return meta, metaEventNumber, nil
}

// firstVisible is the lowest event number not hidden by $tb or $maxCount.
func firstVisible(meta *StreamMetadata, last int64) int64 {
	first := int64(0)

	if meta.TruncateBefore != nil && *meta.TruncateBefore > first {
		first = *meta.TruncateBefore
	}

	if meta.MaxCount != nil && last-*meta.MaxCount+1 > first {
		first = last - *meta.MaxCount + 1
	}

	return first
}

func isSoftDeleted(meta *StreamMetadata, last int64) bool {
	return meta.TruncateBefore != nil && *meta.TruncateBefore > last && *meta.TruncateBefore != 0
}

func (s *Store) expired(meta *StreamMetadata, p *logrecord.Prepare) bool {
	return meta.MaxAge != nil && p.Timestamp.Before(s.opts.timeFunc().Add(-*meta.MaxAge))
}

// streamState resolves what a reader may see of stream.
func (s *Store) streamState(stream string) (last int64, meta *StreamMetadata, err error) {
	last, err = s.lastEventNumber(stream)
	if err != nil {
		return 0, nil, err
	}

	if last == DeletedStreamEventNumber {
		return 0, nil, fmt.Errorf("%w: %q", ErrStreamDeleted, stream)
	}

	meta, _, err = s.streamMetadata(stream)
	if err != nil {
		return 0, nil, err
	}

	if last < 0 || isSoftDeleted(meta, last) {
		return 0, nil, fmt.Errorf("%w: %q", ErrStreamNotFound, stream)
	}

	return last, meta, nil
}

// ReadEvent reads event eventNumber of stream; -1 reads the last event.
func (s *Store) ReadEvent(ctx context.Context, stream string, eventNumber int64, resolveLinks bool) (*ResolvedEvent, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	if stream == "" || eventNumber < -1 {
		return nil, ErrIllegalArguments
	}

	metricsReadEvent.Inc()

	last, meta, err := s.streamState(stream)
	if err != nil {
		return nil, err
	}

	if eventNumber == -1 {
		eventNumber = last
	}

	if eventNumber < firstVisible(meta, last) || eventNumber > last {
		return nil, fmt.Errorf("%w: event %d of stream %q", ErrRecordNotFound, eventNumber, stream)
	}

	p, err := s.getPrepare(stream, eventNumber)
	if err != nil {
		return nil, err
	}

	if s.expired(meta, p) {
		return nil, fmt.Errorf("%w: event %d of stream %q expired", ErrRecordNotFound, eventNumber, stream)
	}

	return s.resolve(ctx, newEventRecord(p, eventNumber, -1), resolveLinks)
}

// readVisible returns the visible events of stream with version in
// [from, to], ascending.
func (s *Store) readVisible(ctx context.Context, stream string, meta *StreamMetadata, from, to int64) ([]*EventRecord, error) {
	if from > to {
		return nil, nil
	}

	entries, err := s.index.GetRange(stream, from, to, 0)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })

	var events []*EventRecord

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(events) > 0 && events[len(events)-1].EventNumber == e.Version {
			continue
		}

		p, err := s.readPrepare(e.Position)
		if err != nil {
			return nil, err
		}

		if p.EventStreamID != stream {
			metricsCollisionReads.Inc()
			continue
		}

		if s.expired(meta, p) {
			continue
		}

		events = append(events, newEventRecord(p, e.Version, -1))
	}

	return events, nil
}

// ReadStreamForward reads up to maxCount events of stream starting at from.
func (s *Store) ReadStreamForward(ctx context.Context, stream string, from int64, maxCount int, resolveLinks bool) (*StreamSlice, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	if stream == "" || from < 0 || maxCount <= 0 {
		return nil, ErrIllegalArguments
	}

	metricsReadStream.Inc()

	last, meta, err := s.streamState(stream)
	if err != nil {
		return nil, err
	}

	start := from
	if first := firstVisible(meta, last); start < first {
		start = first
	}

	slice := &StreamSlice{
		Stream:          stream,
		FromEventNumber: from,
		LastEventNumber: last,
	}

	if start > last {
		slice.NextEventNumber = last + 1
		slice.IsEndOfStream = true
		return slice, nil
	}

	end := last
	if int64(maxCount) <= last-start {
		end = start + int64(maxCount) - 1
	}

	events, err := s.readVisible(ctx, stream, meta, start, end)
	if err != nil {
		return nil, err
	}

	slice.Events, err = s.resolveAll(ctx, events, resolveLinks)
	if err != nil {
		return nil, err
	}

	slice.NextEventNumber = end + 1
	slice.IsEndOfStream = end == last

	return slice, nil
}

// ReadStreamBackward reads up to maxCount events of stream, newest first,
// starting at from (ReadFromEnd for the last event).
func (s *Store) ReadStreamBackward(ctx context.Context, stream string, from int64, maxCount int, resolveLinks bool) (*StreamSlice, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	if stream == "" || from < ReadFromEnd || maxCount <= 0 {
		return nil, ErrIllegalArguments
	}

	metricsReadStream.Inc()

	last, meta, err := s.streamState(stream)
	if err != nil {
		return nil, err
	}

	start := from
	if start == ReadFromEnd || start > last {
		start = last
	}

	first := firstVisible(meta, last)

	slice := &StreamSlice{
		Stream:          stream,
		FromEventNumber: from,
		LastEventNumber: last,
	}

	if start < first {
		slice.NextEventNumber = -1
		slice.IsEndOfStream = true
		return slice, nil
	}

	end := first
	if int64(maxCount) <= start-first {
		end = start - int64(maxCount) + 1
	}

	events, err := s.readVisible(ctx, stream, meta, end, start)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	slice.Events, err = s.resolveAll(ctx, events, resolveLinks)
	if err != nil {
		return nil, err
	}

	slice.NextEventNumber = end - 1
	slice.IsEndOfStream = end == first

	return slice, nil
}

func (s *Store) resolveAll(ctx context.Context, events []*EventRecord, resolveLinks bool) ([]*ResolvedEvent, error) {
	resolved := make([]*ResolvedEvent, 0, len(events))

	for _, e := range events {
		r, err := s.resolve(ctx, e, resolveLinks)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, r)
	}

	return resolved, nil
}

// resolve follows a link event to its target. A missing, deleted or hidden
// target yields a ResolvedEvent with a nil Event.
func (s *Store) resolve(ctx context.Context, e *EventRecord, resolveLinks bool) (*ResolvedEvent, error) {
	if !resolveLinks || e.EventType != LinkEventType {
		return &ResolvedEvent{Event: e}, nil
	}

	stream, eventNumber, ok := ParseLink(e.Data)
	if !ok {
		return &ResolvedEvent{Link: e}, nil
	}

	target, err := s.ReadEvent(ctx, stream, eventNumber, false)
	if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrStreamDeleted) {
		return &ResolvedEvent{Link: e}, nil
	}
	if err != nil {
		return nil, err
	}

	return &ResolvedEvent{Event: target.Event, Link: e}, nil
}

// ResolveLink is used by subscriptions to resolve events received live.
func (s *Store) ResolveLink(ctx context.Context, e *EventRecord) (*ResolvedEvent, error) {
	return s.resolve(ctx, e, true)
}

// ParseLink decodes the "eventNumber@stream" payload of a link event.
func ParseLink(data []byte) (stream string, eventNumber int64, ok bool) {
	num, stream, found := strings.Cut(string(data), "@")
	if !found || stream == "" {
		return "", 0, false
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return "", 0, false
	}

	return stream, n, true
}

// LinkData builds the payload of a link to eventNumber of stream.
func LinkData(stream string, eventNumber int64) []byte {
	return []byte(strconv.FormatInt(eventNumber, 10) + "@" + stream)
}
