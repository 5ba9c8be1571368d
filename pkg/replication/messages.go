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

package replication

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedMessage = errors.New("replication: malformed message")
var ErrUnknownMessageType = errors.New("replication: unknown message type")

// MessageType identifies a replication message on the wire. Values are part
// of the protocol and must never be reused.
type MessageType uint8

const (
	MessageInvalid MessageType = iota
	MessageSubscribeReplica
	MessageReplicaSubscribed
	MessageCreateChunk
	MessagePhysicalChunkBulk
	MessageLogicalChunkBulk
	MessagePrepareAck
	MessageCommitAck
	MessageReplicaLogPositionAck
)

func (t MessageType) String() string {
	switch t {
	case MessageSubscribeReplica:
		return "subscribe_replica"
	case MessageReplicaSubscribed:
		return "replica_subscribed"
	case MessageCreateChunk:
		return "create_chunk"
	case MessagePhysicalChunkBulk:
		return "physical_chunk_bulk"
	case MessageLogicalChunkBulk:
		return "logical_chunk_bulk"
	case MessagePrepareAck:
		return "prepare_ack"
	case MessageCommitAck:
		return "commit_ack"
	case MessageReplicaLogPositionAck:
		return "replica_log_position_ack"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Message is a replication protocol message. On the wire field 1 carries the
// message type and the following fields the message body.
type Message interface {
	Type() MessageType

	appendFields(b []byte) []byte
	consumeField(num protowire.Number, typ protowire.Type, b []byte) int
}

// Correlated is implemented by the acks referring to a client transaction.
type Correlated interface {
	GetCorrelationID() uuid.UUID
}

const typeField protowire.Number = 1

var registry map[MessageType]func() Message

func init() {
	registry = map[MessageType]func() Message{
		MessageSubscribeReplica:      func() Message { return &SubscribeReplica{} },
		MessageReplicaSubscribed:     func() Message { return &ReplicaSubscribed{} },
		MessageCreateChunk:           func() Message { return &CreateChunk{} },
		MessagePhysicalChunkBulk:     func() Message { return &PhysicalChunkBulk{} },
		MessageLogicalChunkBulk:      func() Message { return &LogicalChunkBulk{} },
		MessagePrepareAck:            func() Message { return &PrepareAck{} },
		MessageCommitAck:             func() Message { return &CommitAck{} },
		MessageReplicaLogPositionAck: func() Message { return &ReplicaLogPositionAck{} },
	}
}

func Marshal(m Message) []byte {
	b := protowire.AppendTag(nil, typeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type()))
	return m.appendFields(b)
}

func Unmarshal(b []byte) (Message, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != typeField || typ != protowire.VarintType {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedMessage)
	}
	b = b[n:]

	t, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	b = b[n:]

	newMessage, ok := registry[MessageType(t)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, t)
	}

	m := newMessage()

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		n = m.consumeField(num, typ, b)
		if n == unknownField {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n == wrongType {
			return nil, fmt.Errorf("%w: %s field %d has unexpected wire type %d", ErrMalformedMessage, m.Type(), num, typ)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %s field %d: %v", ErrMalformedMessage, m.Type(), num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	return m, nil
}

// unknownField is returned by consumeField for fields a message does not
// define, they are skipped. wrongType rejects a known field with an
// unexpected wire type.
const (
	unknownField = -1 << 10
	wrongType    = -1 << 11
)

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint64(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func consumeInt64(typ protowire.Type, b []byte, v *int64) int {
	if typ != protowire.VarintType {
		return wrongType
	}
	u, n := protowire.ConsumeVarint(b)
	*v = protowire.DecodeZigZag(u)
	return n
}

func consumeUint64(typ protowire.Type, b []byte, v *uint64) int {
	if typ != protowire.VarintType {
		return wrongType
	}
	u, n := protowire.ConsumeVarint(b)
	*v = u
	return n
}

func consumeBool(typ protowire.Type, b []byte, v *bool) int {
	var u uint64
	n := consumeUint64(typ, b, &u)
	*v = protowire.DecodeBool(u)
	return n
}

func consumeBytes(typ protowire.Type, b []byte, v *[]byte) int {
	if typ != protowire.BytesType {
		return wrongType
	}
	bs, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*v = append([]byte(nil), bs...)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, v *string) int {
	if typ != protowire.BytesType {
		return wrongType
	}
	s, n := protowire.ConsumeString(b)
	*v = s
	return n
}

func consumeUUID(typ protowire.Type, b []byte, v *uuid.UUID) int {
	var bs []byte
	n := consumeBytes(typ, b, &bs)
	if n < 0 {
		return n
	}
	id, err := uuid.FromBytes(bs)
	if err != nil {
		return wrongType
	}
	*v = id
	return n
}

// SubscribeReplica opens a replication stream from the given writer
// position. EpochPosition and EpochID identify the last epoch the replica
// knows about, EpochPosition is -1 on an empty replica.
type SubscribeReplica struct {
	Position       int64
	ReplicaID      string
	ReplicaAddress string
	IsPromotable   bool
	EpochPosition  int64
	EpochID        uuid.UUID
}

func (m *SubscribeReplica) Type() MessageType { return MessageSubscribeReplica }

func (m *SubscribeReplica) appendFields(b []byte) []byte {
	b = appendInt64(b, 2, m.Position)
	b = appendString(b, 3, m.ReplicaID)
	b = appendString(b, 4, m.ReplicaAddress)
	b = appendBool(b, 5, m.IsPromotable)
	b = appendInt64(b, 6, m.EpochPosition)
	return appendBytes(b, 7, m.EpochID[:])
}

func (m *SubscribeReplica) consumeField(num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case 2:
		return consumeInt64(typ, b, &m.Position)
	case 3:
		return consumeString(typ, b, &m.ReplicaID)
	case 4:
		return consumeString(typ, b, &m.ReplicaAddress)
	case 5:
		return consumeBool(typ, b, &m.IsPromotable)
	case 6:
		return consumeInt64(typ, b, &m.EpochPosition)
	case 7:
		return consumeUUID(typ, b, &m.EpochID)
	}
	return unknownField
}

type ReplicaSubscribed struct {
	LeaderID             string
	SubscriptionPosition int64
}

func (m *ReplicaSubscribed) Type() MessageType { return MessageReplicaSubscribed }

func (m *ReplicaSubscribed) appendFields(b []byte) []byte {
	b = appendString(b, 2, m.LeaderID)
	return appendInt64(b, 3, m.SubscriptionPosition)
}

func (m *ReplicaSubscribed) consumeField(num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case 2:
		return consumeString(typ, b, &m.LeaderID)
	case 3:
		return consumeInt64(typ, b, &m.SubscriptionPosition)
	}
	return unknownField
}

// CreateChunk announces the chunk the following bulks belong to. Completed
// chunks are transferred as whole files of FileSize bytes.
type CreateChunk struct {
	LeaderAddress    string
	ChunkHeaderBytes []byte
	FileSize         int64
	IsCompletedChunk bool
}

func (m *CreateChunk) Type() MessageType { return MessageCreateChunk }

func (m *CreateChunk) appendFields(b []byte) []byte {
	b = appendString(b, 2, m.LeaderAddress)
	b = appendBytes(b, 3, m.ChunkHeaderBytes)
	b = appendInt64(b, 4, m.FileSize)
	return appendBool(b, 5, m.IsCompletedChunk)
}

func (m *CreateChunk) consumeField(num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case 2:
		return consumeString(typ, b, &m.LeaderAddress)
	case 3:
		return consumeBytes(typ, b, &m.ChunkHeaderBytes)
	case 4:
		return consumeInt64(typ, b, &m.FileSize)
	case 5:
		return consumeBool(typ, b, &m.IsCompletedChunk)
	}
	return unknownField
}

// ChunkBulk carries a slice of chunk bytes. Position is a file offset for
// physical bulks and a log position for logical ones.
type ChunkBulk struct {
	ChunkStartNumber int32
	ChunkEndNumber   int32
	Position         int64
	DataBytes        []byte
	CompleteChunk    bool
}

func (m *ChunkBulk) appendFields(b []byte) []byte {
	b = appendInt64(b, 2, int64(m.ChunkStartNumber))
	b = appendInt64(b, 3, int64(m.ChunkEndNumber))
	b = appendInt64(b, 4, m.Position)
	b = appendBytes(b, 5, m.DataBytes)
	return appendBool(b, 6, m.CompleteChunk)
}

func (m *ChunkBulk) consumeField(num protowire.Number, typ protowire.Type, b []byte) int {
	var v int64

	switch num {
	case 2:
		n := consumeInt64(typ, b, &v)
		m.ChunkStartNumber = int32(v)
		return n
	case 3:
		n := consumeInt64(typ, b, &v)
		m.ChunkEndNumber = int32(v)
		return n
	case 4:
		return consumeInt64(typ, b, &m.Position)
	case 5:
		return consumeBytes(typ, b, &m.DataBytes)
	case 6:
		return consumeBool(typ, b, &m.CompleteChunk)
	}
	return unknownField
}

type PhysicalChunkBulk struct {
	ChunkBulk
}

func (m *PhysicalChunkBulk) Type() MessageType { return MessagePhysicalChunkBulk }

type LogicalChunkBulk struct {
	ChunkBulk
}

func (m *LogicalChunkBulk) Type() MessageType { return MessageLogicalChunkBulk }

// PrepareAck confirms the last prepare of a transaction is durable on a
// replica.
type PrepareAck struct {
	CorrelationID uuid.UUID
	LogPosition   int64
	Flags         uint32
}

func (m *PrepareAck) Type() MessageType { return MessagePrepareAck }

func (m *PrepareAck) GetCorrelationID() uuid.UUID { return m.CorrelationID }

func (m *PrepareAck) appendFields(b []byte) []byte {
	b = appendBytes(b, 2, m.CorrelationID[:])
	b = appendInt64(b, 3, m.LogPosition)
	return appendUint64(b, 4, uint64(m.Flags))
}

func (m *PrepareAck) consumeField(num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case 2:
		return consumeUUID(typ, b, &m.CorrelationID)
	case 3:
		return consumeInt64(typ, b, &m.LogPosition)
	case 4:
		var v uint64
		n := consumeUint64(typ, b, &v)
		m.Flags = uint32(v)
		return n
	}
	return unknownField
}

// CommitAck confirms a commit was indexed by a replica.
type CommitAck struct {
	CorrelationID       uuid.UUID
	LogPosition         int64
	TransactionPosition int64
	FirstEventNumber    int64
}

func (m *CommitAck) Type() MessageType { return MessageCommitAck }

func (m *CommitAck) GetCorrelationID() uuid.UUID { return m.CorrelationID }

func (m *CommitAck) appendFields(b []byte) []byte {
	b = appendBytes(b, 2, m.CorrelationID[:])
	b = appendInt64(b, 3, m.LogPosition)
	b = appendInt64(b, 4, m.TransactionPosition)
	return appendInt64(b, 5, m.FirstEventNumber)
}

func (m *CommitAck) consumeField(num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case 2:
		return consumeUUID(typ, b, &m.CorrelationID)
	case 3:
		return consumeInt64(typ, b, &m.LogPosition)
	case 4:
		return consumeInt64(typ, b, &m.TransactionPosition)
	case 5:
		return consumeInt64(typ, b, &m.FirstEventNumber)
	}
	return unknownField
}

// ReplicaLogPositionAck is the replica heartbeat: everything below
// WriterPosition is durable on the replica.
type ReplicaLogPositionAck struct {
	WriterPosition int64
}

func (m *ReplicaLogPositionAck) Type() MessageType { return MessageReplicaLogPositionAck }

func (m *ReplicaLogPositionAck) appendFields(b []byte) []byte {
	return appendInt64(b, 2, m.WriterPosition)
}

func (m *ReplicaLogPositionAck) consumeField(num protowire.Number, typ protowire.Type, b []byte) int {
	if num == 2 {
		return consumeInt64(typ, b, &m.WriterPosition)
	}
	return unknownField
}
