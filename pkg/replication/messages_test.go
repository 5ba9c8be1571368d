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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageEncoding(t *testing.T) {
	sub := &SubscribeReplica{
		Position:       4096,
		ReplicaID:      "replica-1",
		ReplicaAddress: "10.0.0.2:2113",
		IsPromotable:   true,
		EpochPosition:  -1,
		EpochID:        uuid.New(),
	}

	m, err := Unmarshal(Marshal(sub))
	require.NoError(t, err)
	require.Equal(t, sub, m)

	bulk := &LogicalChunkBulk{ChunkBulk{
		ChunkStartNumber: 3,
		ChunkEndNumber:   3,
		Position:         3*4096 + 17,
		DataBytes:        []byte{1, 2, 3},
		CompleteChunk:    true,
	}}

	m, err = Unmarshal(Marshal(bulk))
	require.NoError(t, err)
	require.Equal(t, bulk, m)
	require.Equal(t, MessageLogicalChunkBulk, m.Type())

	ack := &PrepareAck{CorrelationID: uuid.New(), LogPosition: 42, Flags: 0x07}

	m, err = Unmarshal(Marshal(ack))
	require.NoError(t, err)

	c, ok := m.(Correlated)
	require.True(t, ok)
	require.Equal(t, ack.CorrelationID, c.GetCorrelationID())
}

func TestMessageUnknownFieldsAreSkipped(t *testing.T) {
	b := Marshal(&ReplicaLogPositionAck{WriterPosition: 100})
	b = appendString(b, 15, "from a newer node")
	b = appendInt64(b, 16, -5)

	m, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, &ReplicaLogPositionAck{WriterPosition: 100}, m)
}

func TestMalformedMessages(t *testing.T) {
	_, err := Unmarshal(nil)
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Unmarshal(appendUint64(nil, typeField, 200))
	require.ErrorIs(t, err, ErrUnknownMessageType)

	b := appendUint64(nil, typeField, uint64(MessageCommitAck))
	b = appendString(b, 3, "not a position")

	_, err = Unmarshal(b)
	require.ErrorIs(t, err, ErrMalformedMessage)

	b = Marshal(&CreateChunk{ChunkHeaderBytes: []byte{1, 2, 3}})
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendVarint(b, 10)

	_, err = Unmarshal(b)
	require.ErrorIs(t, err, ErrMalformedMessage)
}
