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
	"errors"
	"time"

	"github.com/codenotary/eventdb/embedded/index"
	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/codenotary/eventdb/embedded/tlog"
)

const chaserRetryDelay = 100 * time.Millisecond

// runChaser follows the log behind the writer checkpoint: it indexes commits,
// feeds record hooks and commit listeners, and advances the chaser checkpoint.
func (s *Store) runChaser(pos int64) {
	defer s.chaserWG.Done()

	processed := 0

	for {
		res, err := s.tlog.ReadNext(pos)

		if errors.Is(err, tlog.ErrEndOfLog) {
			s.flushChaser(pos)
			processed = 0

			err = s.tlog.WaitForFlush(s.ctx, pos+1)
			if err != nil {
				if s.ctx.Err() == nil {
					s.log.Errorf("store: chaser stopped waiting for the writer: %v", err)
				}
				return
			}
			continue
		}

		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.log.Errorf("store: chaser failed reading at %d: %v", pos, err)

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(chaserRetryDelay):
			}
			continue
		}

		events, err := s.process(res.Record)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.log.Errorf("store: chaser failed processing record at %d: %v", pos, err)

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(chaserRetryDelay):
			}
			continue
		}

		pos = res.NextPosition

		s.checkpoints.Chaser.Write(pos)
		s.indexedPos.Store(pos)

		// listeners run once the commit is readable and before writers
		// waiting for it are released
		s.notify(res.Record, events)
		s.indexedHub.DoneUpto(pos)
		metricsChaserPosition.Set(float64(pos))

		processed++
		if processed == s.opts.chaserCheckpointInterval {
			s.flushChaser(pos)
			processed = 0
		}
	}
}

func (s *Store) flushChaser(pos int64) {
	if s.checkpoints.Chaser.Read() == pos {
		return
	}

	err := s.checkpoints.Chaser.Flush()
	if err != nil {
		s.log.Errorf("store: unable to flush chaser checkpoint: %v", err)
	}

	s.checkpoints.Index.Write(s.index.PersistedCommitCheckpoint())

	err = s.checkpoints.Index.Flush()
	if err != nil {
		s.log.Errorf("store: unable to flush index checkpoint: %v", err)
	}
}

func (s *Store) process(rec logrecord.LogRecord) ([]*EventRecord, error) {
	c, ok := rec.(*logrecord.Commit)
	if !ok {
		return nil, nil
	}

	events, err := s.indexCommit(c)
	if err != nil {
		return nil, err
	}

	s.releasePrecommitted(events)

	return events, nil
}

func (s *Store) notify(rec logrecord.LogRecord, events []*EventRecord) {
	s.listenersMutex.RLock()
	defer s.listenersMutex.RUnlock()

	for _, hook := range s.hooks {
		hook(rec)
	}

	if len(events) > 0 {
		for _, l := range s.listeners {
			l.OnCommitted(events)
		}
	}
}

// indexCommit adds the events of a commit to the index and returns them.
func (s *Store) indexCommit(c *logrecord.Commit) ([]*EventRecord, error) {
	prepares, err := s.transactionPrepares(c.TransactionPosition, c.LogPosition)
	if err != nil {
		return nil, err
	}

	events := make([]*EventRecord, 0, len(prepares))
	entries := make([]index.StreamEntry, 0, len(prepares))

	for _, p := range prepares {
		eventNumber := c.FirstEventNumber
		if eventNumber != DeletedStreamEventNumber {
			eventNumber += int64(p.TransactionOffset)
		}

		events = append(events, newEventRecord(p, eventNumber, c.LogPosition))
		entries = append(entries, index.StreamEntry{
			Stream:   p.EventStreamID,
			Version:  eventNumber,
			Position: p.LogPosition,
		})
	}

	err = s.index.AddEntries(c.LogPosition, entries)
	if err != nil {
		return nil, err
	}

	for _, e := range events {
		s.committedEvents.Put(e.EventID, committedEvent{stream: e.StreamID, eventNumber: e.EventNumber})

		if IsMetastream(e.StreamID) {
			s.streamInfo.Pop(OriginalStreamOf(e.StreamID))
		} else if e.EventNumber == DeletedStreamEventNumber {
			s.streamInfo.Pop(e.StreamID)
		}
	}

	metricsIndexedCommits.Inc()

	return events, nil
}

// transactionPrepares collects the event prepares of the transaction starting
// at txPos and committed at commitPos.
func (s *Store) transactionPrepares(txPos, commitPos int64) ([]*logrecord.Prepare, error) {
	var prepares []*logrecord.Prepare

	pos := txPos

	for pos < commitPos {
		res, err := s.tlog.ReadNext(pos)
		if err != nil {
			return nil, err
		}

		pos = res.NextPosition

		p, ok := res.Record.(*logrecord.Prepare)
		if !ok || p.TransactionPosition != txPos {
			continue
		}

		if p.Flags.HasAnyOf(logrecord.FlagData | logrecord.FlagStreamDelete) {
			prepares = append(prepares, p)
		}

		if p.IsTransactionEnd() {
			break
		}
	}

	return prepares, nil
}

// releasePrecommitted forgets pending stream versions once the index
// caught up with them.
func (s *Store) releasePrecommitted(events []*EventRecord) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	for _, e := range events {
		ps, ok := s.precommitted[e.StreamID]
		if ok && e.EventNumber >= ps.lastEventNumber {
			delete(s.precommitted, e.StreamID)
		}
	}
}
