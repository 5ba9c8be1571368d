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
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codenotary/eventdb/embedded/checkpoint"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/google/uuid"
	"github.com/jaswdr/faker"
	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testChunkSize = 4096

func storeOptions() *store.Options {
	return store.DefaultOptions().
		WithChunkSize(testChunkSize).
		WithSynced(false).
		WithLogger(logger.NewMemoryLogger())
}

func testOptions() *Options {
	return DefaultOptions().
		WithBulkSize(1000).
		WithHeartbeatInterval(20 * time.Millisecond).
		WithReplicaTimeout(2 * time.Second).
		WithDelayer(NewExpBackoff(5*time.Millisecond, 50*time.Millisecond, 2, 0.1)).
		WithLogger(logger.NewMemoryLogger())
}

type testLeader struct {
	st      *store.Store
	leader  *Leader
	tracker *QuorumTracker
	lis     *bufconn.Listener
}

func startLeader(t *testing.T, clusterSize int, opts *Options) *testLeader {
	cps := checkpoint.NewMemorySet()

	tracker, err := NewQuorumTracker(clusterSize, cps.Replication, cps.Writer.ReadNonFlushed, logger.NewMemoryLogger())
	require.NoError(t, err)

	st, err := store.OpenWith(t.TempDir(), cps, storeOptions().WithCommitAcceptor(tracker))
	require.NoError(t, err)

	leader, err := NewLeader(xid.New().String(), st, tracker, opts.WithClusterSize(clusterSize))
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(ServerOptions()...)
	leader.Register(srv)

	go srv.Serve(lis)

	t.Cleanup(func() {
		srv.Stop()
		leader.Close()
		st.Close()
	})

	return &testLeader{st: st, leader: leader, tracker: tracker, lis: lis}
}

func (l *testLeader) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return l.lis.DialContext(ctx)
	})
}

func openReplicaStore(t *testing.T, dir string) *store.Store {
	st, err := store.Open(dir, storeOptions().WithReadOnly(true))
	require.NoError(t, err)

	t.Cleanup(func() {
		if !st.IsClosed() {
			st.Close()
		}
	})

	return st
}

func startReplica(t *testing.T, l *testLeader, st *store.Store) *Replica {
	opts := testOptions().
		WithLeaderAddress("bufnet").
		WithReplicaAddress("replica:2113").
		WithDialOptions(l.dialer())

	r, err := NewReplica(xid.New(), st, opts)
	require.NoError(t, err)

	require.NoError(t, r.Start())

	t.Cleanup(func() {
		r.Stop()
	})

	return r
}

func fakeEvents(n int) []store.EventData {
	lorem := faker.New().Lorem()

	events := make([]store.EventData, n)

	for i := range events {
		events[i] = store.EventData{
			EventID: uuid.New(),
			Type:    "note-taken",
			IsJSON:  true,
			Data:    []byte(fmt.Sprintf(`{"text":%q}`, lorem.Sentence(25))),
		}
	}

	return events
}

func appendEvents(t *testing.T, st *store.Store, appends int) {
	for i := 0; i < appends; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		_, err := st.Append(ctx, fmt.Sprintf("notes-%d", i%3), store.ExpectedAny, fakeEvents(1+i%2))
		cancel()

		require.NoError(t, err)
	}
}

func waitConverged(t *testing.T, leader, replica *store.Store) {
	require.Eventually(t, func() bool {
		writer := leader.Log().WriterCheckpoint()

		return replica.Log().WriterCheckpoint() == writer &&
			replica.IndexedPosition() == writer &&
			leader.IndexedPosition() == writer
	}, 10*time.Second, 10*time.Millisecond)
}

func readAll(t *testing.T, st *store.Store) []*store.ResolvedEvent {
	slice, err := st.ReadAllForward(context.Background(), store.TFPos{}, 10_000, false)
	require.NoError(t, err)
	require.True(t, slice.IsEndOfAll)
	return slice.Events
}

func requireSameChunks(t *testing.T, leader, replica *store.Store) {
	entries, err := os.ReadDir(leader.Log().Path())
	require.NoError(t, err)

	var chunks []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".tmp" && !e.IsDir() {
			chunks = append(chunks, e.Name())
		}
	}

	require.Greater(t, len(chunks), 2, "events should span several chunks")

	// the active chunk keeps growing, completed ones must be identical
	for _, name := range chunks[:len(chunks)-1] {
		expected, err := os.ReadFile(filepath.Join(leader.Log().Path(), name))
		require.NoError(t, err)

		actual, err := os.ReadFile(filepath.Join(replica.Log().Path(), name))
		require.NoError(t, err)

		require.Equal(t, expected, actual, "chunk %s differs", name)
	}
}

func TestReplicaConvergesWithLeader(t *testing.T) {
	l := startLeader(t, 1, testOptions())

	appendEvents(t, l.st, 40)

	replicaStore := openReplicaStore(t, t.TempDir())
	r := startReplica(t, l, replicaStore)

	appendEvents(t, l.st, 40)

	waitConverged(t, l.st, replicaStore)
	requireSameChunks(t, l.st, replicaStore)

	require.Equal(t, l.leader.ID(), r.LeaderID())

	leaderEvents := readAll(t, l.st)
	replicaEvents := readAll(t, replicaStore)
	require.Len(t, replicaEvents, len(leaderEvents))

	for i := range leaderEvents {
		require.Equal(t, leaderEvents[i].Event.EventID, replicaEvents[i].Event.EventID)
		require.Equal(t, leaderEvents[i].Event.Position(), replicaEvents[i].Event.Position())
	}

	replicas := l.leader.Replicas()
	require.Len(t, replicas, 1)
	require.Equal(t, r.ID(), replicas[0].ID)
	require.Equal(t, "replica:2113", replicas[0].Address)

	_, err := replicaStore.Append(context.Background(), "notes-0", store.ExpectedAny, fakeEvents(1))
	require.ErrorIs(t, err, store.ErrNotLeader)
}

func TestReplicaResumesAfterRestart(t *testing.T) {
	l := startLeader(t, 1, testOptions())

	appendEvents(t, l.st, 30)

	dir := t.TempDir()

	replicaStore := openReplicaStore(t, dir)
	r := startReplica(t, l, replicaStore)

	waitConverged(t, l.st, replicaStore)

	require.NoError(t, r.Stop())
	require.ErrorIs(t, r.Stop(), ErrAlreadyStopped)
	require.NoError(t, replicaStore.Close())

	appendEvents(t, l.st, 30)

	replicaStore = openReplicaStore(t, dir)
	startReplica(t, l, replicaStore)

	waitConverged(t, l.st, replicaStore)
	requireSameChunks(t, l.st, replicaStore)

	require.Len(t, readAll(t, replicaStore), len(readAll(t, l.st)))
}

func TestQuorumWaitsForReplica(t *testing.T) {
	l := startLeader(t, 3, testOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := l.st.Append(ctx, "orders", store.ExpectedNoStream, fakeEvents(1))
	require.ErrorIs(t, err, store.ErrReplicationQuorumTimeout)

	_, err = l.st.ReadStreamForward(context.Background(), "orders", 0, 10, false)
	require.ErrorIs(t, err, store.ErrStreamNotFound)

	replicaStore := openReplicaStore(t, t.TempDir())
	startReplica(t, l, replicaStore)

	// the timed out write is not rolled back and commits once acked
	require.Eventually(t, func() bool {
		slice, err := l.st.ReadStreamForward(context.Background(), "orders", 0, 10, false)
		return err == nil && len(slice.Events) == 1
	}, 10*time.Second, 10*time.Millisecond)

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := l.st.Append(ctx, "orders", 0, fakeEvents(2))
	require.NoError(t, err)
	require.Equal(t, int64(2), res.NextExpectedVersion)

	waitConverged(t, l.st, replicaStore)

	require.Eventually(t, func() bool {
		return l.tracker.Replicated() >= res.LogPosition.CommitPosition
	}, 10*time.Second, 10*time.Millisecond)

	slice, err := replicaStore.ReadStreamForward(context.Background(), "orders", 0, 10, false)
	require.NoError(t, err)
	require.Len(t, slice.Events, 3)
}

func TestReplicaStopsOnDivergence(t *testing.T) {
	l := startLeader(t, 1, testOptions())

	dir := t.TempDir()

	standalone, err := store.Open(dir, storeOptions())
	require.NoError(t, err)

	_, err = standalone.Append(context.Background(), "orders", store.ExpectedAny, fakeEvents(3))
	require.NoError(t, err)
	require.NoError(t, standalone.Close())

	replicaStore := openReplicaStore(t, dir)
	r := startReplica(t, l, replicaStore)

	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		require.Fail(t, "replica did not stop")
	}

	require.ErrorIs(t, r.Err(), ErrReplicaDiverged)
	require.Empty(t, l.leader.Replicas())
}

func TestLeaderRejectsInvalidSubscriptions(t *testing.T) {
	l := startLeader(t, 1, testOptions())

	conn, err := grpc.Dial("bufnet", grpc.WithTransportCredentials(insecure.NewCredentials()), l.dialer())
	require.NoError(t, err)
	defer conn.Close()

	subscribe := func(first Message) error {
		stream, err := conn.NewStream(context.Background(), &serviceDesc.Streams[0], subscribeMethod, grpc.CallContentSubtype(codecName))
		require.NoError(t, err)

		require.NoError(t, sendMessage(stream, first))

		_, err = recvMessage(stream)
		return err
	}

	err = subscribe(&PrepareAck{CorrelationID: uuid.New()})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	err = subscribe(&SubscribeReplica{Position: 0, EpochPosition: -1})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	err = subscribe(&SubscribeReplica{ReplicaID: "r1", Position: 1 << 30, EpochPosition: -1})
	require.ErrorIs(t, fromStatus(err), ErrReplicaDiverged)

	err = subscribe(&SubscribeReplica{ReplicaID: "r1", Position: l.st.Log().WriterCheckpoint(), EpochPosition: 0, EpochID: uuid.New()})
	require.ErrorIs(t, fromStatus(err), ErrReplicaDiverged)
}

func TestLeaderDisconnectsSilentReplica(t *testing.T) {
	l := startLeader(t, 3, testOptions().WithReplicaTimeout(200*time.Millisecond))

	conn, err := grpc.Dial("bufnet", grpc.WithTransportCredentials(insecure.NewCredentials()), l.dialer())
	require.NoError(t, err)
	defer conn.Close()

	stream, err := conn.NewStream(context.Background(), &serviceDesc.Streams[0], subscribeMethod, grpc.CallContentSubtype(codecName))
	require.NoError(t, err)

	require.NoError(t, sendMessage(stream, &SubscribeReplica{ReplicaID: "silent", EpochPosition: -1}))

	m, err := recvMessage(stream)
	require.NoError(t, err)
	require.Equal(t, MessageReplicaSubscribed, m.Type())
	require.Equal(t, l.leader.ID(), m.(*ReplicaSubscribed).LeaderID)

	require.Len(t, l.leader.Replicas(), 1)

	for {
		_, err = recvMessage(stream)
		if err != nil {
			break
		}
	}

	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
	require.Empty(t, l.leader.Replicas())
}
