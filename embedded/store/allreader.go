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

	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/codenotary/eventdb/embedded/tlog"
)

// A position whose prepare part is below its commit part points inside the
// commit at CommitPosition. Any other position is a record boundary.
func insideCommit(p TFPos) bool {
	return p.PreparePosition < p.CommitPosition
}

// commitEvents returns the events of the commit c in prepare order.
func (s *Store) commitEvents(c *logrecord.Commit) ([]*EventRecord, error) {
	prepares, err := s.transactionPrepares(c.TransactionPosition, c.LogPosition)
	if err != nil {
		return nil, err
	}

	events := make([]*EventRecord, 0, len(prepares))

	for _, p := range prepares {
		eventNumber := c.FirstEventNumber
		if eventNumber != DeletedStreamEventNumber {
			eventNumber += int64(p.TransactionOffset)
		}

		events = append(events, newEventRecord(p, eventNumber, c.LogPosition))
	}

	return events, nil
}

// ReadAllForward reads up to maxCount committed events of every stream in
// commit order, starting at from (inclusive). Only indexed commits are read.
func (s *Store) ReadAllForward(ctx context.Context, from TFPos, maxCount int, resolveLinks bool) (*AllSlice, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	if maxCount <= 0 || (from != EndPosition && (from.CommitPosition < 0 || from.PreparePosition < 0)) {
		return nil, ErrIllegalArguments
	}

	metricsReadAll.Inc()

	indexed := s.indexedPos.Load()

	slice := &AllSlice{FromPosition: from}

	if from == EndPosition || from.CommitPosition >= indexed {
		slice.NextPosition = TFPos{CommitPosition: indexed, PreparePosition: indexed}
		slice.IsEndOfAll = true
		return slice, nil
	}

	var events []*EventRecord

	pos := from.CommitPosition

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if pos >= indexed {
			slice.NextPosition = TFPos{CommitPosition: indexed, PreparePosition: indexed}
			slice.IsEndOfAll = true
			break
		}

		res, err := s.tlog.ReadNext(pos)
		if errors.Is(err, tlog.ErrEndOfLog) {
			slice.NextPosition = TFPos{CommitPosition: pos, PreparePosition: pos}
			slice.IsEndOfAll = true
			break
		}
		if err != nil {
			return nil, err
		}

		if res.Position >= indexed {
			pos = res.Position
			continue
		}

		full := false

		if c, ok := res.Record.(*logrecord.Commit); ok {
			commitEvents, err := s.commitEvents(c)
			if err != nil {
				return nil, err
			}

			for _, e := range commitEvents {
				if insideCommit(from) && c.LogPosition == from.CommitPosition && e.LogPosition < from.PreparePosition {
					continue
				}

				if len(events) == maxCount {
					slice.NextPosition = e.Position()
					full = true
					break
				}

				events = append(events, e)
			}
		}

		if full {
			break
		}

		pos = res.NextPosition

		if len(events) == maxCount {
			slice.NextPosition = TFPos{CommitPosition: pos, PreparePosition: pos}
			slice.IsEndOfAll = pos >= indexed
			break
		}
	}

	slice.Events, err = s.resolveAllPositioned(ctx, events, resolveLinks)
	if err != nil {
		return nil, err
	}

	return slice, nil
}

// ReadAllBackward reads up to maxCount committed events in reverse commit
// order, before from (exclusive). EndPosition reads from the last indexed
// commit.
func (s *Store) ReadAllBackward(ctx context.Context, from TFPos, maxCount int, resolveLinks bool) (*AllSlice, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	if maxCount <= 0 || (from != EndPosition && (from.CommitPosition < 0 || from.PreparePosition < 0)) {
		return nil, ErrIllegalArguments
	}

	metricsReadAll.Inc()

	indexed := s.indexedPos.Load()

	slice := &AllSlice{FromPosition: from}

	var events []*EventRecord

	pos := from.CommitPosition

	if from == EndPosition || pos >= indexed {
		pos = indexed
	} else if insideCommit(from) {
		res, err := s.tlog.ReadNext(pos)
		if err != nil {
			return nil, err
		}

		if c, ok := res.Record.(*logrecord.Commit); ok && c.LogPosition == pos {
			commitEvents, err := s.commitEvents(c)
			if err != nil {
				return nil, err
			}

			for i := len(commitEvents) - 1; i >= 0; i-- {
				e := commitEvents[i]

				if e.LogPosition >= from.PreparePosition {
					continue
				}

				if len(events) == maxCount {
					slice.NextPosition = TFPos{CommitPosition: c.LogPosition, PreparePosition: events[len(events)-1].LogPosition}
					return s.finishAll(ctx, slice, events, resolveLinks)
				}

				events = append(events, e)
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(events) == maxCount {
			slice.NextPosition = TFPos{CommitPosition: pos, PreparePosition: pos}
			slice.IsEndOfAll = pos <= 0
			break
		}

		res, err := s.tlog.ReadPrev(pos)
		if errors.Is(err, tlog.ErrEndOfLog) {
			slice.NextPosition = TFPos{CommitPosition: 0, PreparePosition: 0}
			slice.IsEndOfAll = true
			break
		}
		if err != nil {
			return nil, err
		}

		full := false

		if c, ok := res.Record.(*logrecord.Commit); ok {
			commitEvents, err := s.commitEvents(c)
			if err != nil {
				return nil, err
			}

			for i := len(commitEvents) - 1; i >= 0; i-- {
				if len(events) == maxCount {
					slice.NextPosition = TFPos{CommitPosition: c.LogPosition, PreparePosition: events[len(events)-1].LogPosition}
					full = true
					break
				}

				events = append(events, commitEvents[i])
			}
		}

		if full {
			break
		}

		pos = res.Position
	}

	return s.finishAll(ctx, slice, events, resolveLinks)
}

func (s *Store) finishAll(ctx context.Context, slice *AllSlice, events []*EventRecord, resolveLinks bool) (*AllSlice, error) {
	var err error

	slice.Events, err = s.resolveAllPositioned(ctx, events, resolveLinks)
	if err != nil {
		return nil, err
	}

	return slice, nil
}

func (s *Store) resolveAllPositioned(ctx context.Context, events []*EventRecord, resolveLinks bool) ([]*ResolvedEvent, error) {
	resolved, err := s.resolveAll(ctx, events, resolveLinks)
	if err != nil {
		return nil, err
	}

	for i, r := range resolved {
		pos := events[i].Position()
		r.OriginalPosition = &pos
	}

	return resolved, nil
}
