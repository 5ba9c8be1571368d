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
	"fmt"
	"math"
	"time"

	"github.com/codenotary/eventdb/embedded/logrecord"
	"github.com/google/uuid"
)

const (
	// ExpectedAny disables the optimistic concurrency check.
	ExpectedAny int64 = -2
	// ExpectedNoStream requires the stream not to exist (or to be soft deleted).
	ExpectedNoStream int64 = -1
	// ExpectedStreamExists requires at least one event in the stream.
	ExpectedStreamExists int64 = -4

	// DeletedStreamEventNumber is the event number of a tombstone.
	DeletedStreamEventNumber int64 = math.MaxInt64

	// ReadFromEnd starts a backward stream read at the last event.
	ReadFromEnd int64 = -1
)

const (
	MetastreamPrefix = "$$"

	LinkEventType          = "$>"
	MetadataEventType      = "$metadata"
	StreamDeletedEventType = "$streamDeleted"
)

// TFPos identifies a committed event in the log: the position of its commit
// record and of its prepare record.
type TFPos struct {
	CommitPosition  int64
	PreparePosition int64
}

var (
	StartPosition = TFPos{0, 0}
	EndPosition   = TFPos{-1, -1}
)

func (p TFPos) Compare(o TFPos) int {
	switch {
	case p.CommitPosition < o.CommitPosition:
		return -1
	case p.CommitPosition > o.CommitPosition:
		return 1
	case p.PreparePosition < o.PreparePosition:
		return -1
	case p.PreparePosition > o.PreparePosition:
		return 1
	}
	return 0
}

func (p TFPos) String() string {
	return fmt.Sprintf("C:%d/P:%d", p.CommitPosition, p.PreparePosition)
}

// EventData is an event to be appended.
type EventData struct {
	EventID  uuid.UUID
	Type     string
	IsJSON   bool
	Data     []byte
	Metadata []byte
}

// EventRecord is a committed event as stored in the log.
type EventRecord struct {
	StreamID            string
	EventNumber         int64
	EventID             uuid.UUID
	EventType           string
	Data                []byte
	Metadata            []byte
	Flags               logrecord.PrepareFlags
	Timestamp           time.Time
	LogPosition         int64
	TransactionPosition int64
	// CommitPosition is -1 when the event was read through the stream index
	CommitPosition int64
}

func (e *EventRecord) IsJSON() bool {
	return e.Flags.HasAllOf(logrecord.FlagIsJSON)
}

func (e *EventRecord) Position() TFPos {
	return TFPos{CommitPosition: e.CommitPosition, PreparePosition: e.LogPosition}
}

func newEventRecord(p *logrecord.Prepare, eventNumber, commitPos int64) *EventRecord {
	return &EventRecord{
		StreamID:            p.EventStreamID,
		EventNumber:         eventNumber,
		EventID:             p.EventID,
		EventType:           p.EventType,
		Data:                p.Data,
		Metadata:            p.Metadata,
		Flags:               p.Flags,
		Timestamp:           p.Timestamp,
		LogPosition:         p.LogPosition,
		TransactionPosition: p.TransactionPosition,
		CommitPosition:      commitPos,
	}
}

// ResolvedEvent pairs an event with the link pointing to it. When the
// original event is a link whose target no longer exists, Event is nil and
// Link is set.
type ResolvedEvent struct {
	Event *EventRecord
	Link  *EventRecord

	// OriginalPosition is set for events read from $all
	OriginalPosition *TFPos
}

// OriginalEvent is the event as found in the log: the link when there is one.
func (r *ResolvedEvent) OriginalEvent() *EventRecord {
	if r.Link != nil {
		return r.Link
	}
	return r.Event
}

func (r *ResolvedEvent) OriginalStreamID() string {
	return r.OriginalEvent().StreamID
}

func (r *ResolvedEvent) OriginalEventNumber() int64 {
	return r.OriginalEvent().EventNumber
}

// WriteResult is returned by successful appends.
type WriteResult struct {
	NextExpectedVersion int64
	LogPosition         TFPos
}

// StreamSlice is the result of a stream read.
type StreamSlice struct {
	Stream          string
	Events          []*ResolvedEvent
	FromEventNumber int64
	NextEventNumber int64
	LastEventNumber int64
	IsEndOfStream   bool
}

// AllSlice is the result of a $all read.
type AllSlice struct {
	Events       []*ResolvedEvent
	FromPosition TFPos
	NextPosition TFPos
	IsEndOfAll   bool
}

// WrongExpectedVersionError carries the details of an optimistic concurrency
// failure. It matches ErrWrongExpectedVersion with errors.Is.
type WrongExpectedVersionError struct {
	Stream          string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("%v: stream %q expected version %d, actual version %d",
		ErrWrongExpectedVersion, e.Stream, e.ExpectedVersion, e.ActualVersion)
}

func (e *WrongExpectedVersionError) Unwrap() error {
	return ErrWrongExpectedVersion
}

func IsMetastream(stream string) bool {
	return len(stream) > len(MetastreamPrefix) && stream[:len(MetastreamPrefix)] == MetastreamPrefix
}

func MetastreamOf(stream string) string {
	return MetastreamPrefix + stream
}

func OriginalStreamOf(metastream string) string {
	return metastream[len(MetastreamPrefix):]
}

// IsSystemStream reports streams starting with '$'.
func IsSystemStream(stream string) bool {
	return len(stream) > 0 && stream[0] == '$'
}
