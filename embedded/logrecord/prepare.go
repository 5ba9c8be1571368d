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
	"time"

	"github.com/google/uuid"
)

type PrepareFlags uint16

const (
	FlagNone             PrepareFlags = 0x00
	FlagData             PrepareFlags = 0x01
	FlagTransactionBegin PrepareFlags = 0x02
	FlagTransactionEnd   PrepareFlags = 0x04
	FlagStreamDelete     PrepareFlags = 0x08
	FlagIsCommitted      PrepareFlags = 0x20
	FlagIsJSON           PrepareFlags = 0x100

	FlagSingleWrite = FlagData | FlagTransactionBegin | FlagTransactionEnd
)

func (f PrepareFlags) HasAllOf(set PrepareFlags) bool {
	return f&set == set
}

func (f PrepareFlags) HasAnyOf(set PrepareFlags) bool {
	return f&set != 0
}

// Prepare describes one event pending commit. When FlagIsCommitted is set
// ExpectedVersion holds the final event number.
type Prepare struct {
	RecordVersion       byte
	LogPosition         int64
	Flags               PrepareFlags
	TransactionPosition int64
	TransactionOffset   int32
	ExpectedVersion     int64
	EventStreamID       string
	EventID             uuid.UUID
	CorrelationID       uuid.UUID
	Timestamp           time.Time
	EventType           string
	Data                []byte
	Metadata            []byte
}

var _ LogRecord = (*Prepare)(nil)

func (p *Prepare) Type() RecordType {
	return RecordPrepare
}

func (p *Prepare) Version() byte {
	return p.RecordVersion
}

func (p *Prepare) Position() int64 {
	return p.LogPosition
}

func (p *Prepare) IsTransactionEnd() bool {
	return p.Flags.HasAllOf(FlagTransactionEnd)
}

func (p *Prepare) IsStreamDelete() bool {
	return p.Flags.HasAllOf(FlagStreamDelete)
}

func (p *Prepare) appendBody(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(p.Flags))
	b = binary.LittleEndian.AppendUint64(b, uint64(p.TransactionPosition))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.TransactionOffset))
	b = appendEventNumber(b, p.RecordVersion, p.ExpectedVersion)
	b = appendString(b, p.EventStreamID)
	b = append(b, p.EventID[:]...)
	b = append(b, p.CorrelationID[:]...)
	b = appendTime(b, p.Timestamp)
	b = appendString(b, p.EventType)
	b = appendBytes(b, p.Data)
	return appendBytes(b, p.Metadata)
}

func readPrepare(r *reader, version byte, pos int64) *Prepare {
	return &Prepare{
		RecordVersion:       version,
		LogPosition:         pos,
		Flags:               PrepareFlags(r.uint16()),
		TransactionPosition: r.int64(),
		TransactionOffset:   r.int32(),
		ExpectedVersion:     r.eventNumber(version),
		EventStreamID:       r.string(),
		EventID:             r.uuid(),
		CorrelationID:       r.uuid(),
		Timestamp:           r.time(),
		EventType:           r.string(),
		Data:                r.bytes(),
		Metadata:            r.bytes(),
	}
}
