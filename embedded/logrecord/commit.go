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

// Commit finalizes the prepares of the transaction starting at
// TransactionPosition, assigning event numbers from FirstEventNumber.
type Commit struct {
	RecordVersion       byte
	LogPosition         int64
	TransactionPosition int64
	FirstEventNumber    int64
	SortKey             int64
	CorrelationID       uuid.UUID
	Timestamp           time.Time
}

var _ LogRecord = (*Commit)(nil)

func (c *Commit) Type() RecordType {
	return RecordCommit
}

func (c *Commit) Version() byte {
	return c.RecordVersion
}

func (c *Commit) Position() int64 {
	return c.LogPosition
}

func (c *Commit) appendBody(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(c.TransactionPosition))
	b = appendEventNumber(b, c.RecordVersion, c.FirstEventNumber)
	b = binary.LittleEndian.AppendUint64(b, uint64(c.SortKey))
	b = append(b, c.CorrelationID[:]...)
	return appendTime(b, c.Timestamp)
}

func readCommit(r *reader, version byte, pos int64) *Commit {
	return &Commit{
		RecordVersion:       version,
		LogPosition:         pos,
		TransactionPosition: r.int64(),
		FirstEventNumber:    r.eventNumber(version),
		SortKey:             r.int64(),
		CorrelationID:       r.uuid(),
		Timestamp:           r.time(),
	}
}
