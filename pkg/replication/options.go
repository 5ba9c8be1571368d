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
	"os"
	"time"

	"github.com/codenotary/eventdb/embedded/logger"
	"google.golang.org/grpc"
)

const DefaultBulkSize int = 64 * 1024 // 64 KiB
const DefaultClusterSize = 1
const DefaultHeartbeatInterval = time.Second
const DefaultReplicaTimeout = 5 * time.Second
const DefaultAckQueueSize = 1024

type Options struct {
	leaderAddress  string
	replicaAddress string
	isPromotable   bool

	clusterSize int

	bulkSize          int
	heartbeatInterval time.Duration
	replicaTimeout    time.Duration
	ackQueueSize      int

	dialOptions []grpc.DialOption

	delayer Delayer
	logger  logger.Logger
}

func DefaultOptions() *Options {
	delayer := &expBackoff{
		retryMinDelay: time.Second,
		retryMaxDelay: 2 * time.Minute,
		retryDelayExp: 2,
		retryJitter:   0.1,
	}

	return &Options{
		clusterSize:       DefaultClusterSize,
		bulkSize:          DefaultBulkSize,
		heartbeatInterval: DefaultHeartbeatInterval,
		replicaTimeout:    DefaultReplicaTimeout,
		ackQueueSize:      DefaultAckQueueSize,
		delayer:           delayer,
		logger:            logger.NewSimpleLogger("eventdb-replication", os.Stderr),
	}
}

func (opts *Options) Valid() bool {
	return opts != nil &&
		opts.clusterSize > 0 &&
		opts.bulkSize > 0 &&
		opts.heartbeatInterval > 0 &&
		opts.replicaTimeout > opts.heartbeatInterval &&
		opts.ackQueueSize > 0 &&
		opts.delayer != nil &&
		opts.logger != nil
}

// Quorum is the number of nodes, leader included, that must hold a
// transaction before it is committed.
func (opts *Options) Quorum() int {
	return opts.clusterSize/2 + 1
}

// WithLeaderAddress sets the address replicas connect to
func (o *Options) WithLeaderAddress(leaderAddress string) *Options {
	o.leaderAddress = leaderAddress
	return o
}

// WithReplicaAddress sets the address a replica advertises to the leader
func (o *Options) WithReplicaAddress(replicaAddress string) *Options {
	o.replicaAddress = replicaAddress
	return o
}

// WithIsPromotable marks the replica as eligible for leadership
func (o *Options) WithIsPromotable(isPromotable bool) *Options {
	o.isPromotable = isPromotable
	return o
}

// WithClusterSize sets the number of nodes of the cluster, leader included
func (o *Options) WithClusterSize(clusterSize int) *Options {
	o.clusterSize = clusterSize
	return o
}

// WithBulkSize sets the max amount of chunk bytes sent in a single message
func (o *Options) WithBulkSize(bulkSize int) *Options {
	o.bulkSize = bulkSize
	return o
}

// WithHeartbeatInterval sets how often replicas report their writer position
func (o *Options) WithHeartbeatInterval(heartbeatInterval time.Duration) *Options {
	o.heartbeatInterval = heartbeatInterval
	return o
}

// WithReplicaTimeout sets how long a silent replica stays connected
func (o *Options) WithReplicaTimeout(replicaTimeout time.Duration) *Options {
	o.replicaTimeout = replicaTimeout
	return o
}

// WithAckQueueSize sets the number of acks a replica buffers while sending
func (o *Options) WithAckQueueSize(ackQueueSize int) *Options {
	o.ackQueueSize = ackQueueSize
	return o
}

// WithDialOptions sets extra options used by replicas to dial the leader
func (o *Options) WithDialOptions(dialOptions ...grpc.DialOption) *Options {
	o.dialOptions = dialOptions
	return o
}

// WithDelayer sets delayer used to pause re-attempts
func (o *Options) WithDelayer(delayer Delayer) *Options {
	o.delayer = delayer
	return o
}

// WithLogger sets the logger
func (o *Options) WithLogger(logger logger.Logger) *Options {
	o.logger = logger
	return o
}
