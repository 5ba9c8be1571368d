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
	"time"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	opts := &Options{}
	require.False(t, opts.Valid())

	delayer := &expBackoff{
		retryMinDelay: time.Second,
		retryMaxDelay: 2 * time.Minute,
		retryDelayExp: 2,
		retryJitter:   0.1,
	}

	log := logger.NewMemoryLogger()

	opts.WithLeaderAddress("127.0.0.1:1113").
		WithReplicaAddress("127.0.0.1:2113").
		WithIsPromotable(true).
		WithClusterSize(3).
		WithBulkSize(DefaultBulkSize).
		WithHeartbeatInterval(DefaultHeartbeatInterval).
		WithReplicaTimeout(DefaultReplicaTimeout).
		WithAckQueueSize(DefaultAckQueueSize).
		WithDelayer(delayer).
		WithLogger(log)

	require.Equal(t, "127.0.0.1:1113", opts.leaderAddress)
	require.Equal(t, "127.0.0.1:2113", opts.replicaAddress)
	require.True(t, opts.isPromotable)
	require.Equal(t, 3, opts.clusterSize)
	require.Equal(t, DefaultBulkSize, opts.bulkSize)
	require.Equal(t, delayer, opts.delayer)
	require.Equal(t, 2, opts.Quorum())

	require.True(t, opts.Valid())

	opts.WithReplicaTimeout(opts.heartbeatInterval)
	require.False(t, opts.Valid())

	defaultOpts := DefaultOptions()
	require.NotNil(t, defaultOpts)
	require.True(t, defaultOpts.Valid())
	require.Equal(t, 1, defaultOpts.Quorum())
}

func TestQuorumSizes(t *testing.T) {
	for clusterSize, quorum := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		require.Equal(t, quorum, DefaultOptions().WithClusterSize(clusterSize).Quorum())
	}
}

func TestExpBackoff(t *testing.T) {
	delayer := NewExpBackoff(10*time.Millisecond, time.Second, 2, 0.1)

	require.LessOrEqual(t, delayer.DelayAfter(0), 10*time.Millisecond)
	require.Greater(t, delayer.DelayAfter(0), 8*time.Millisecond)

	require.LessOrEqual(t, delayer.DelayAfter(3), 80*time.Millisecond)
	require.Greater(t, delayer.DelayAfter(3), 70*time.Millisecond)

	require.LessOrEqual(t, delayer.DelayAfter(100), time.Second)
	require.Greater(t, delayer.DelayAfter(100), 890*time.Millisecond)
}
