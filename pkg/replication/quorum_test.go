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

	"github.com/codenotary/eventdb/embedded/checkpoint"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T, clusterSize int) (*QuorumTracker, checkpoint.Checkpoint) {
	cp := checkpoint.NewMemory(checkpoint.Replication, -1)

	tracker, err := NewQuorumTracker(clusterSize, cp, func() int64 { return 1000 }, logger.NewMemoryLogger())
	require.NoError(t, err)

	return tracker, cp
}

func requireAccepted(t *testing.T, ch <-chan error) {
	select {
	case err := <-ch:
		require.NoError(t, err)
	default:
		require.Fail(t, "transaction was not accepted")
	}
}

func requirePending(t *testing.T, ch <-chan error) {
	select {
	case err := <-ch:
		require.Fail(t, "transaction was resolved", "err: %v", err)
	default:
	}
}

func TestQuorumTrackerInvalidArguments(t *testing.T) {
	_, err := NewQuorumTracker(0, checkpoint.NewMemory(checkpoint.Replication, -1), func() int64 { return 0 }, logger.NewMemoryLogger())
	require.ErrorIs(t, err, ErrIllegalArguments)

	_, err = NewQuorumTracker(3, nil, func() int64 { return 0 }, logger.NewMemoryLogger())
	require.ErrorIs(t, err, ErrIllegalArguments)
}

func TestQuorumTrackerSingleNode(t *testing.T) {
	tracker, _ := newTracker(t, 1)
	require.Equal(t, 1, tracker.Quorum())

	requireAccepted(t, tracker.Register(uuid.New(), 10))
}

func TestQuorumTrackerPrepareAcks(t *testing.T) {
	tracker, _ := newTracker(t, 5)
	require.Equal(t, 3, tracker.Quorum())

	corrID := uuid.New()
	ch := tracker.Register(corrID, 100)
	requirePending(t, ch)

	tracker.Ack("r1", &PrepareAck{CorrelationID: corrID, LogPosition: 100})
	requirePending(t, ch)

	// the same replica acking twice still counts once
	tracker.Ack("r1", &ReplicaLogPositionAck{WriterPosition: 200})
	requirePending(t, ch)

	tracker.Ack("r2", &ReplicaLogPositionAck{WriterPosition: 150})
	requireAccepted(t, ch)
}

func TestQuorumTrackerAcksBeforeRegister(t *testing.T) {
	tracker, _ := newTracker(t, 3)

	tracker.Ack("r1", &ReplicaLogPositionAck{WriterPosition: 500})

	requireAccepted(t, tracker.Register(uuid.New(), 499))

	ch := tracker.Register(uuid.New(), 500)
	requirePending(t, ch)

	tracker.Ack("r1", &ReplicaLogPositionAck{WriterPosition: 501})
	requireAccepted(t, ch)
}

func TestQuorumTrackerOlderTransactionsAreAcceptedFirst(t *testing.T) {
	tracker, _ := newTracker(t, 3)

	first := tracker.Register(uuid.New(), 100)
	second := tracker.Register(uuid.New(), 200)

	tracker.Ack("r1", &ReplicaLogPositionAck{WriterPosition: 150})
	requireAccepted(t, first)
	requirePending(t, second)

	tracker.Ack("r1", &ReplicaLogPositionAck{WriterPosition: 120})
	requirePending(t, second)

	tracker.Ack("r1", &ReplicaLogPositionAck{WriterPosition: 250})
	requireAccepted(t, second)
}

func TestQuorumTrackerRemovedReplica(t *testing.T) {
	tracker, _ := newTracker(t, 3)

	tracker.Ack("r1", &ReplicaLogPositionAck{WriterPosition: 500})
	tracker.RemoveReplica("r1")

	ch := tracker.Register(uuid.New(), 100)
	requirePending(t, ch)

	tracker.Ack("r2", &ReplicaLogPositionAck{WriterPosition: 500})
	requireAccepted(t, ch)
}

func TestQuorumTrackerReplicatedCheckpoint(t *testing.T) {
	tracker, cp := newTracker(t, 5)

	tracker.Ack("r1", &CommitAck{LogPosition: 300})
	require.Equal(t, int64(-1), tracker.Replicated())

	tracker.Ack("r2", &CommitAck{LogPosition: 200})
	require.Equal(t, int64(200), tracker.Replicated())

	tracker.Ack("r2", &CommitAck{LogPosition: 400})
	require.Equal(t, int64(300), tracker.Replicated())
	require.Equal(t, int64(-1), cp.Read())

	require.NoError(t, tracker.FlushReplicated())
	require.Equal(t, int64(300), cp.Read())
}

func TestQuorumTrackerClose(t *testing.T) {
	tracker, _ := newTracker(t, 3)

	ch := tracker.Register(uuid.New(), 100)

	require.NoError(t, tracker.Close())
	require.ErrorIs(t, <-ch, ErrNotLeader)

	require.ErrorIs(t, <-tracker.Register(uuid.New(), 200), ErrNotLeader)
	require.ErrorIs(t, tracker.Close(), ErrAlreadyClosed)
}
