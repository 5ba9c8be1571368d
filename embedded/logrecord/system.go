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

package logrecord

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SystemRecordType byte

const (
	SystemInvalid SystemRecordType = 0
	SystemEpoch   SystemRecordType = 1
)

// System carries node level records such as epochs.
type System struct {
	RecordVersion byte
	LogPosition   int64
	Timestamp     time.Time
	SystemType    SystemRecordType
	Reserved      int64
	Data          []byte
}

var _ LogRecord = (*System)(nil)

func (s *System) Type() RecordType {
	return RecordSystem
}

func (s *System) Version() byte {
	return s.RecordVersion
}

func (s *System) Position() int64 {
	return s.LogPosition
}

func (s *System) appendBody(b []byte) []byte {
	b = appendTime(b, s.Timestamp)
	b = append(b, byte(s.SystemType))
	b = binary.LittleEndian.AppendUint64(b, uint64(s.Reserved))
	return appendBytes(b, s.Data)
}

func readSystem(r *reader, version byte, pos int64) *System {
	return &System{
		RecordVersion: version,
		LogPosition:   pos,
		Timestamp:     r.time(),
		SystemType:    SystemRecordType(r.byte()),
		Reserved:      r.int64(),
		Data:          r.bytes(),
	}
}

// Epoch marks the start of a leadership term. It is stored as the payload of
// a System record.
type Epoch struct {
	EpochNumber       int64
	EpochPosition     int64
	PrevEpochPosition int64
	EpochID           uuid.UUID
	LeaderID          string
	Timestamp         time.Time
}

func NewEpochRecord(pos int64, e *Epoch) *System {
	data := binary.LittleEndian.AppendUint64(nil, uint64(e.EpochNumber))
	data = binary.LittleEndian.AppendUint64(data, uint64(e.EpochPosition))
	data = binary.LittleEndian.AppendUint64(data, uint64(e.PrevEpochPosition))
	data = append(data, e.EpochID[:]...)
	data = appendString(data, e.LeaderID)

	return &System{
		RecordVersion: CurrentVersion,
		LogPosition:   pos,
		Timestamp:     e.Timestamp,
		SystemType:    SystemEpoch,
		Data:          data,
	}
}

func (s *System) Epoch() (*Epoch, error) {
	if s.SystemType != SystemEpoch {
		return nil, fmt.Errorf("%w: system record is not an epoch", ErrCorruptedRecord)
	}

	r := &reader{b: s.Data}

	e := &Epoch{
		EpochNumber:       r.int64(),
		EpochPosition:     r.int64(),
		PrevEpochPosition: r.int64(),
		EpochID:           r.uuid(),
		LeaderID:          r.string(),
		Timestamp:         s.Timestamp,
	}

	if r.err != nil {
		return nil, r.err
	}

	return e, nil
}
