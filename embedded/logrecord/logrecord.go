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
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var ErrCorruptedRecord = errors.New("logrecord: corrupted record")
var ErrUnsupportedVersion = errors.New("logrecord: unsupported record version")
var ErrUnknownRecordType = errors.New("logrecord: unknown record type")
var ErrRecordTooLarge = errors.New("logrecord: record too large")

// MaxRecordSize bounds the size of a single serialized record.
const MaxRecordSize = 16 * 1024 * 1024

type RecordType byte

const (
	RecordPrepare RecordType = 0
	RecordCommit  RecordType = 1
	RecordSystem  RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "prepare"
	case RecordCommit:
		return "commit"
	case RecordSystem:
		return "system"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Record format versions. V0 stores event numbers as int32.
const (
	V0 byte = 0
	V1 byte = 1

	CurrentVersion = V1
)

// LogRecord is the tagged union of everything stored in the transaction log.
type LogRecord interface {
	Type() RecordType
	Version() byte
	Position() int64
	appendBody(b []byte) []byte
}

// Marshal returns the record bytes, without the chunk framing.
func Marshal(rec LogRecord) ([]byte, error) {
	b := make([]byte, 0, 128)
	b = append(b, byte(rec.Type()), rec.Version())
	b = binary.LittleEndian.AppendUint64(b, uint64(rec.Position()))
	b = rec.appendBody(b)

	if len(b) > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(b))
	}

	return b, nil
}

func Unmarshal(b []byte) (LogRecord, error) {
	r := &reader{b: b}

	typ := RecordType(r.byte())
	version := r.byte()
	pos := r.int64()

	if r.err != nil {
		return nil, r.err
	}

	if version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var rec LogRecord

	switch typ {
	case RecordPrepare:
		rec = readPrepare(r, version, pos)
	case RecordCommit:
		rec = readCommit(r, version, pos)
	case RecordSystem:
		rec = readSystem(r, version, pos)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownRecordType, byte(typ))
	}

	if r.err != nil {
		return nil, r.err
	}

	if r.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptedRecord, len(b)-r.off)
	}

	return rec, nil
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: unexpected end of record", ErrCorruptedRecord)
		return nil
	}
	bs := r.b[r.off : r.off+n]
	r.off += n
	return bs
}

func (r *reader) byte() byte {
	bs := r.take(1)
	if bs == nil {
		return 0
	}
	return bs[0]
}

func (r *reader) uint16() uint16 {
	bs := r.take(2)
	if bs == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(bs)
}

func (r *reader) int32() int32 {
	bs := r.take(4)
	if bs == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(bs))
}

func (r *reader) int64() int64 {
	bs := r.take(8)
	if bs == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(bs))
}

func (r *reader) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.take(16))
	return id
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	l, n := binary.Uvarint(r.b[r.off:])
	if n <= 0 || l > MaxRecordSize {
		r.err = fmt.Errorf("%w: invalid string length", ErrCorruptedRecord)
		return ""
	}
	r.off += n
	return string(r.take(int(l)))
}

func (r *reader) bytes() []byte {
	l := r.int32()
	if l == 0 || r.err != nil {
		return nil
	}
	bs := r.take(int(l))
	if bs == nil {
		return nil
	}
	return append([]byte(nil), bs...)
}

// eventNumber reads an event number stored as int32 by V0 records.
func (r *reader) eventNumber(version byte) int64 {
	if version == V0 {
		n := r.int32()
		switch n {
		case math.MaxInt32:
			return math.MaxInt64
		case math.MaxInt32 - 1:
			return math.MaxInt64 - 1
		}
		return int64(n)
	}
	return r.int64()
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendBytes(b []byte, bs []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(bs)))
	return append(b, bs...)
}

func appendEventNumber(b []byte, version byte, n int64) []byte {
	if version == V0 {
		v := int32(n)
		switch {
		case n == math.MaxInt64:
			v = math.MaxInt32
		case n == math.MaxInt64-1:
			v = math.MaxInt32 - 1
		}
		return binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return binary.LittleEndian.AppendUint64(b, uint64(n))
}

func appendTime(b []byte, t time.Time) []byte {
	return binary.LittleEndian.AppendUint64(b, uint64(t.UnixNano()))
}

func (r *reader) time() time.Time {
	return time.Unix(0, r.int64()).UTC()
}

// Reposition moves a record that has not been written yet to pos. A prepare
// opening its own transaction keeps pointing to itself.
func Reposition(rec LogRecord, pos int64) {
	switch r := rec.(type) {
	case *Prepare:
		if r.TransactionPosition == r.LogPosition {
			r.TransactionPosition = pos
		}
		r.LogPosition = pos
	case *Commit:
		r.LogPosition = pos
	case *System:
		r.LogPosition = pos
		if r.SystemType == SystemEpoch && len(r.Data) >= 16 {
			// an epoch records its own position
			binary.LittleEndian.PutUint64(r.Data[8:], uint64(pos))
		}
	}
}
