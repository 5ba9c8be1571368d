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

	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/google/uuid"
)

type commitDecision int

const (
	commitOk commitDecision = iota
	commitIdempotent
	commitWrongExpectedVersion
	commitStreamDeleted
)

type commitCheck struct {
	decision       commitDecision
	currentVersion int64
	// first event number of the stored batch when idempotent
	idempotentFrom int64
}

type commitResult struct {
	commitPosition int64
	err            error
}

func validExpectedVersion(v int64) bool {
	return v >= 0 || v == ExpectedAny || v == ExpectedNoStream || v == ExpectedStreamExists
}

// Append writes events to stream as a single transaction when the stream
// version matches expectedVersion. It returns once the commit is indexed and
// therefore visible to readers.
func (s *Store) Append(ctx context.Context, stream string, expectedVersion int64, events []EventData) (*WriteResult, error) {
	err := s.checkWrite(stream, expectedVersion)
	if err != nil {
		return nil, err
	}

	size := 0
	for i := range events {
		if events[i].Type == "" {
			return nil, fmt.Errorf("%w: event type is required", ErrIllegalArguments)
		}
		size += len(events[i].Data) + len(events[i].Metadata)
	}

	if size > s.opts.maxAppendSize {
		return nil, ErrAppendTooLarge
	}

	if IsMetastream(stream) {
		for i := range events {
			if events[i].Type != MetadataEventType {
				continue
			}

			_, err := ParseStreamMetadata(events[i].Data)
			if err != nil {
				return nil, err
			}
		}
	}

	return s.write(ctx, stream, expectedVersion, events, false)
}

func (s *Store) checkWrite(stream string, expectedVersion int64) error {
	err := s.checkOpen()
	if err != nil {
		return err
	}

	if s.opts.readOnly {
		return ErrNotLeader
	}

	if stream == "" || !validExpectedVersion(expectedVersion) {
		return ErrIllegalArguments
	}

	return nil
}

// Tombstone permanently deletes stream. Any later read or append fails with
// ErrStreamDeleted and the stream name cannot be reused.
func (s *Store) Tombstone(ctx context.Context, stream string, expectedVersion int64) (*WriteResult, error) {
	err := s.checkWrite(stream, expectedVersion)
	if err != nil {
		return nil, err
	}

	if IsMetastream(stream) {
		return nil, fmt.Errorf("%w: metastreams cannot be tombstoned", ErrIllegalArguments)
	}

	return s.write(ctx, stream, expectedVersion, []EventData{{
		EventID: uuid.New(),
		Type:    StreamDeletedEventType,
	}}, true)
}

// SoftDelete hides every current event of stream by setting its truncate
// before to the next event number. The stream can be written again.
func (s *Store) SoftDelete(ctx context.Context, stream string, expectedVersion int64) (*WriteResult, error) {
	err := s.checkWrite(stream, expectedVersion)
	if err != nil {
		return nil, err
	}

	if IsMetastream(stream) {
		return nil, fmt.Errorf("%w: metastreams cannot be deleted", ErrIllegalArguments)
	}

	cur, err := s.currentVersion(stream)
	if err != nil {
		return nil, err
	}

	if cur == DeletedStreamEventNumber {
		metricsAppendStreamDeleted.Inc()
		return nil, fmt.Errorf("%w: %q", ErrStreamDeleted, stream)
	}

	meta, metaVersion, err := s.streamMetadata(stream)
	if err != nil {
		return nil, err
	}

	if !expectedVersionMatches(expectedVersion, cur, isSoftDeleted(meta, cur)) {
		metricsAppendWrongVersion.Inc()
		return nil, &WrongExpectedVersionError{Stream: stream, ExpectedVersion: expectedVersion, ActualVersion: cur}
	}

	if cur < 0 {
		return nil, fmt.Errorf("%w: %q", ErrStreamNotFound, stream)
	}

	updated, err := cloneMetadata(meta)
	if err != nil {
		return nil, err
	}

	updated.WithTruncateBefore(cur + 1)

	_, err = s.SetStreamMetadata(ctx, stream, metaVersion, updated)
	if err != nil {
		return nil, err
	}

	return &WriteResult{NextExpectedVersion: cur, LogPosition: EndPosition}, nil
}

// GetStreamMetadata returns the metadata of stream and the event number of
// the metadata event in its metastream (-1 when never set).
func (s *Store) GetStreamMetadata(ctx context.Context, stream string) (*StreamMetadata, int64, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, 0, err
	}

	if stream == "" {
		return nil, 0, ErrIllegalArguments
	}

	err = ctx.Err()
	if err != nil {
		return nil, 0, err
	}

	meta, metaVersion, err := s.streamMetadata(stream)
	if err != nil {
		return nil, 0, err
	}

	if IsMetastream(stream) {
		return meta, -1, nil
	}

	meta, err = cloneMetadata(meta)
	if err != nil {
		return nil, 0, err
	}

	return meta, metaVersion, nil
}

// SetStreamMetadata appends meta to the metastream of stream, checking
// expectedMetaVersion against the metastream version.
func (s *Store) SetStreamMetadata(ctx context.Context, stream string, expectedMetaVersion int64, meta *StreamMetadata) (*WriteResult, error) {
	if meta == nil || stream == "" || IsMetastream(stream) {
		return nil, ErrIllegalArguments
	}

	err := meta.Validate()
	if err != nil {
		return nil, err
	}

	data, err := meta.MarshalJSON()
	if err != nil {
		return nil, err
	}

	return s.Append(ctx, MetastreamOf(stream), expectedMetaVersion, []EventData{{
		EventID: uuid.New(),
		Type:    MetadataEventType,
		IsJSON:  true,
		Data:    data,
	}})
}

func cloneMetadata(meta *StreamMetadata) (*StreamMetadata, error) {
	bs, err := meta.MarshalJSON()
	if err != nil {
		return nil, err
	}

	return ParseStreamMetadata(bs)
}

func expectedVersionMatches(expectedVersion, cur int64, softDeleted bool) bool {
	switch expectedVersion {
	case ExpectedAny:
		return true
	case ExpectedNoStream:
		return cur == -1 || softDeleted
	case ExpectedStreamExists:
		return cur >= 0 && !softDeleted
	default:
		return expectedVersion == cur
	}
}

// write runs the commit protocol: prepares are appended and flushed, the
// acceptor decides when the commit is written, and the caller waits until
// the commit is indexed.
func (s *Store) write(ctx context.Context, stream string, expectedVersion int64, events []EventData, tombstone bool) (*WriteResult, error) {
	for i := range events {
		if events[i].EventID == uuid.Nil {
			events[i].EventID = uuid.New()
		}
	}

	s.writeMutex.Lock()

	check, err := s.checkCommit(stream, expectedVersion, events, tombstone)
	if err != nil {
		s.writeMutex.Unlock()
		return nil, err
	}

	switch check.decision {
	case commitStreamDeleted:
		s.writeMutex.Unlock()
		metricsAppendStreamDeleted.Inc()
		return nil, fmt.Errorf("%w: %q", ErrStreamDeleted, stream)
	case commitWrongExpectedVersion:
		s.writeMutex.Unlock()
		metricsAppendWrongVersion.Inc()
		return nil, &WrongExpectedVersionError{Stream: stream, ExpectedVersion: expectedVersion, ActualVersion: check.currentVersion}
	case commitIdempotent:
		s.writeMutex.Unlock()
		metricsAppendIdempotent.Inc()
		return &WriteResult{
			NextExpectedVersion: check.idempotentFrom + int64(len(events)) - 1,
			LogPosition:         EndPosition,
		}, nil
	}

	if len(events) == 0 {
		s.writeMutex.Unlock()
		metricsAppendOk.Inc()
		return &WriteResult{NextExpectedVersion: check.currentVersion, LogPosition: EndPosition}, nil
	}

	firstEventNumber := check.currentVersion + 1
	lastEventNumber := firstEventNumber + int64(len(events)) - 1

	if tombstone {
		firstEventNumber = DeletedStreamEventNumber
		lastEventNumber = DeletedStreamEventNumber
	}

	correlationID := uuid.New()

	txPos, lastPreparePos, err := s.appendPrepares(stream, expectedVersion, correlationID, events, tombstone)
	if err != nil {
		s.writeMutex.Unlock()
		return nil, err
	}

	pending := &precommittedStream{
		lastEventNumber:     lastEventNumber,
		transactionPosition: txPos,
		done:                make(chan struct{}),
	}

	s.pendingMutex.Lock()
	prev := s.precommitted[stream]
	s.precommitted[stream] = pending
	s.pendingMutex.Unlock()

	if !tombstone {
		for i := range events {
			s.committedEvents.Put(events[i].EventID, committedEvent{stream: stream, eventNumber: firstEventNumber + int64(i)})
		}
	}

	accepted := s.acceptor.Register(correlationID, lastPreparePos)

	done := make(chan commitResult, 1)

	s.commitWG.Add(1)
	go s.commitWhenAccepted(accepted, done, prev, pending, stream, events, &logrecord.Commit{
		LogPosition:         txPos,
		TransactionPosition: txPos,
		FirstEventNumber:    firstEventNumber,
		SortKey:             firstEventNumber,
		CorrelationID:       correlationID,
	})

	s.writeMutex.Unlock()

	var res commitResult

	select {
	case res = <-done:
	case <-ctx.Done():
		metricsAppendQuorumTimeout.Inc()
		return nil, fmt.Errorf("%w: %v", ErrReplicationQuorumTimeout, ctx.Err())
	}

	if res.err != nil {
		return nil, res.err
	}

	err = s.WaitForIndexed(ctx, res.commitPosition+1)
	if err != nil {
		if ctx.Err() != nil {
			metricsAppendQuorumTimeout.Inc()
			return nil, fmt.Errorf("%w: commit at %d not indexed yet: %v", ErrReplicationQuorumTimeout, res.commitPosition, ctx.Err())
		}
		return nil, err
	}

	metricsAppendOk.Inc()
	metricsAppendedEvents.Add(float64(len(events)))

	return &WriteResult{
		NextExpectedVersion: lastEventNumber,
		LogPosition:         TFPos{CommitPosition: res.commitPosition, PreparePosition: txPos},
	}, nil
}

// appendPrepares writes one prepare per event and flushes them.
func (s *Store) appendPrepares(stream string, expectedVersion int64, correlationID uuid.UUID, events []EventData, tombstone bool) (txPos, lastPos int64, err error) {
	now := s.opts.timeFunc()

	for i := range events {
		e := &events[i]

		flags := logrecord.FlagData
		if tombstone {
			flags = logrecord.FlagStreamDelete
		}
		if i == 0 {
			flags |= logrecord.FlagTransactionBegin
		}
		if i == len(events)-1 {
			flags |= logrecord.FlagTransactionEnd
		}
		if e.IsJSON {
			flags |= logrecord.FlagIsJSON
		}

		p := &logrecord.Prepare{
			RecordVersion:     logrecord.CurrentVersion,
			Flags:             flags,
			TransactionOffset: int32(i),
			ExpectedVersion:   expectedVersion,
			EventStreamID:     stream,
			EventID:           e.EventID,
			CorrelationID:     correlationID,
			Timestamp:         now,
			EventType:         e.Type,
			Data:              e.Data,
			Metadata:          e.Metadata,
		}

		if i == 0 {
			p.LogPosition = 0
			p.TransactionPosition = 0
		} else {
			p.LogPosition = -1
			p.TransactionPosition = txPos
		}

		pos, err := s.tlog.Append(p)
		if err != nil {
			return 0, 0, err
		}

		if i == 0 {
			txPos = pos
		}
		lastPos = pos
	}

	err = s.tlog.Flush()
	if err != nil {
		return 0, 0, err
	}

	return txPos, lastPos, nil
}

// commitWhenAccepted writes the commit record once the acceptor allows it,
// whether or not the caller is still waiting. Commits of the same stream are
// written in the order their event numbers were assigned: prev is the
// transaction numbered right before this one, and when it is abandoned so
// is this one.
func (s *Store) commitWhenAccepted(accepted <-chan error, done chan<- commitResult, prev, pending *precommittedStream, stream string, events []EventData, c *logrecord.Commit) {
	defer s.commitWG.Done()
	defer close(pending.done)

	var err error

	select {
	case err = <-accepted:
	case <-s.ctx.Done():
		err = ErrAlreadyClosed
	}

	if err == nil && prev != nil {
		select {
		case <-prev.done:
			if prev.err != nil {
				err = fmt.Errorf("preceding transaction at %d on the same stream failed: %w", prev.transactionPosition, prev.err)
			}
		case <-s.ctx.Done():
			err = ErrAlreadyClosed
		}
	}

	if err != nil {
		pending.err = err

		s.abandon(stream, c.TransactionPosition, events)
		metricsAppendAbandonedAtCommit.Inc()

		s.log.Warningf("store: transaction at %d on stream %q abandoned: %v", c.TransactionPosition, stream, err)

		done <- commitResult{err: fmt.Errorf("%w: %v", ErrTransactionAbandoned, err)}
		return
	}

	s.writeMutex.Lock()

	pos, err := s.tlog.Append(c)
	if err == nil {
		err = s.tlog.Flush()
	}

	s.writeMutex.Unlock()

	if err != nil {
		pending.err = err

		s.abandon(stream, c.TransactionPosition, events)
		metricsAppendAbandonedAtCommit.Inc()

		s.log.Errorf("store: unable to write commit of transaction at %d: %v", c.TransactionPosition, err)

		done <- commitResult{err: err}
		return
	}

	done <- commitResult{commitPosition: pos}
}

func (s *Store) abandon(stream string, txPos int64, events []EventData) {
	s.pendingMutex.Lock()
	if ps, ok := s.precommitted[stream]; ok && ps.transactionPosition == txPos {
		delete(s.precommitted, stream)
	}
	s.pendingMutex.Unlock()

	for i := range events {
		s.committedEvents.Pop(events[i].EventID)
	}
}

// checkCommit decides whether events can be written to stream at
// expectedVersion, or whether they were already written by an earlier
// request. Callers hold writeMutex.
func (s *Store) checkCommit(stream string, expectedVersion int64, events []EventData, tombstone bool) (*commitCheck, error) {
	if IsMetastream(stream) {
		orig, err := s.currentVersion(OriginalStreamOf(stream))
		if err != nil {
			return nil, err
		}

		if orig == DeletedStreamEventNumber {
			return &commitCheck{decision: commitStreamDeleted}, nil
		}
	}

	cur, err := s.currentVersion(stream)
	if err != nil {
		return nil, err
	}

	check := &commitCheck{currentVersion: cur}

	if cur == DeletedStreamEventNumber {
		check.decision = commitStreamDeleted
		return check, nil
	}

	softDeleted := false

	if cur >= 0 {
		meta, _, err := s.streamMetadata(stream)
		if err != nil {
			return nil, err
		}
		softDeleted = isSoftDeleted(meta, cur)
	}

	if tombstone || len(events) == 0 {
		if !expectedVersionMatches(expectedVersion, cur, softDeleted) {
			check.decision = commitWrongExpectedVersion
		}
		return check, nil
	}

	switch {
	case expectedVersion == ExpectedAny || expectedVersion == ExpectedStreamExists:
		ce, err := s.committedEvents.Get(events[0].EventID)
		if err == nil && ce.stream == stream {
			ok, err := s.storedAt(stream, ce.eventNumber, events)
			if err != nil {
				return nil, err
			}
			if ok {
				check.decision = commitIdempotent
				check.idempotentFrom = ce.eventNumber
				return check, nil
			}
		}

		if !expectedVersionMatches(expectedVersion, cur, softDeleted) {
			check.decision = commitWrongExpectedVersion
		}

		return check, nil

	case expectedVersion == ExpectedNoStream:
		if cur == -1 || softDeleted {
			return check, nil
		}

		return s.checkIdempotent(check, stream, 0, events)

	default:
		if expectedVersion == cur {
			return check, nil
		}

		if expectedVersion > cur {
			check.decision = commitWrongExpectedVersion
			return check, nil
		}

		return s.checkIdempotent(check, stream, expectedVersion+1, events)
	}
}

func (s *Store) checkIdempotent(check *commitCheck, stream string, first int64, events []EventData) (*commitCheck, error) {
	ok, err := s.storedAt(stream, first, events)
	if err != nil {
		return nil, err
	}

	if ok {
		check.decision = commitIdempotent
		check.idempotentFrom = first
	} else {
		check.decision = commitWrongExpectedVersion
	}

	return check, nil
}

// storedAt tells whether events were written to stream as consecutive event
// numbers starting at first. A partial match is not idempotent.
func (s *Store) storedAt(stream string, first int64, events []EventData) (bool, error) {
	for i := range events {
		n := first + int64(i)

		ce, err := s.committedEvents.Get(events[i].EventID)
		if err == nil {
			if ce.stream != stream || ce.eventNumber != n {
				return false, nil
			}
			continue
		}

		p, err := s.getPrepare(stream, n)
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if p.EventID != events[i].EventID {
			return false, nil
		}
	}

	return true, nil
}
