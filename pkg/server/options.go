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

package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/codenotary/eventdb/embedded/subscription"
	"github.com/codenotary/eventdb/embedded/tlog"
	"github.com/codenotary/eventdb/pkg/replication"
)

// Options server options list
type Options struct {
	Dir               string
	Network           string
	Address           string
	Port              int
	Config            string
	Pidfile           string
	Logfile           string
	LogFormat         string
	LogLevel          logger.LogLevel
	MetricsServer     bool
	MetricsServerPort int
	NoHistograms      bool
	Detached          bool
	MaxRecvMsgSize    int
	listener          net.Listener

	synced                 bool
	ChunkSize              int32
	MaxAppendSize          int
	HashCollisionReadLimit int
	MaxLiveQueueSize       int
	VerifyChunksOnOpen     bool

	ReplicationOptions *ReplicationOptions
}

// ReplicationOptions describes the cluster the node belongs to. A node
// with a leader address runs as a replica of that leader.
type ReplicationOptions struct {
	ClusterSize       int
	LeaderAddress     string
	AdvertiseAddress  string
	IsPromotable      bool
	ReplicaTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// DefaultOptions returns default server options
func DefaultOptions() *Options {
	return &Options{
		Dir:                    "./data",
		Network:                "tcp",
		Address:                "0.0.0.0",
		Port:                   1113,
		Config:                 "configs/eventdb.toml",
		LogFormat:              logger.LogFormatText,
		LogLevel:               logger.LogInfo,
		MetricsServer:          true,
		MetricsServerPort:      2113,
		MaxRecvMsgSize:         1024 * 1024 * 32, // 32Mb
		synced:                 true,
		ChunkSize:              tlog.DefaultChunkSize,
		MaxAppendSize:          store.DefaultMaxAppendSize,
		HashCollisionReadLimit: store.DefaultHashCollisionReadLimit,
		MaxLiveQueueSize:       subscription.DefaultMaxLiveQueueSize,
		ReplicationOptions:     DefaultReplicationOptions(),
	}
}

func DefaultReplicationOptions() *ReplicationOptions {
	return &ReplicationOptions{
		ClusterSize:       replication.DefaultClusterSize,
		ReplicaTimeout:    replication.DefaultReplicaTimeout,
		HeartbeatInterval: replication.DefaultHeartbeatInterval,
	}
}

// IsReplica reports whether the node follows a leader.
func (o *Options) IsReplica() bool {
	return o.ReplicationOptions != nil && o.ReplicationOptions.LeaderAddress != ""
}

func (o *Options) Validate() error {
	if o.Dir == "" {
		return fmt.Errorf("%w: data dir is required", ErrIllegalArguments)
	}

	if o.listener == nil && (o.Port < 0 || o.Port > 65535) {
		return fmt.Errorf("%w: invalid port %d", ErrIllegalArguments, o.Port)
	}

	if o.MetricsServer && (o.MetricsServerPort <= 0 || o.MetricsServerPort > 65535) {
		return fmt.Errorf("%w: invalid metrics port %d", ErrIllegalArguments, o.MetricsServerPort)
	}

	if o.LogFormat != logger.LogFormatText && o.LogFormat != logger.LogFormatJSON {
		return fmt.Errorf("%w: unknown log format '%s'", ErrIllegalArguments, o.LogFormat)
	}

	if o.ReplicationOptions == nil || o.ReplicationOptions.ClusterSize < 1 {
		return fmt.Errorf("%w: cluster size must be at least 1", ErrIllegalArguments)
	}

	return nil
}

// WithDir sets dir
func (o *Options) WithDir(dir string) *Options {
	o.Dir = dir
	return o
}

// WithNetwork sets network
func (o *Options) WithNetwork(network string) *Options {
	o.Network = network
	return o
}

// WithAddress sets address
func (o *Options) WithAddress(address string) *Options {
	o.Address = address
	return o
}

// WithPort sets port
func (o *Options) WithPort(port int) *Options {
	o.Port = port
	return o
}

// WithConfig sets config file name
func (o *Options) WithConfig(config string) *Options {
	o.Config = config
	return o
}

// WithPidfile sets pid file
func (o *Options) WithPidfile(pidfile string) *Options {
	o.Pidfile = pidfile
	return o
}

// WithLogfile sets logfile
func (o *Options) WithLogfile(logfile string) *Options {
	o.Logfile = logfile
	return o
}

// WithLogFormat sets the log format, text or json
func (o *Options) WithLogFormat(logFormat string) *Options {
	o.LogFormat = logFormat
	return o
}

func (o *Options) WithLogLevel(level logger.LogLevel) *Options {
	o.LogLevel = level
	return o
}

// WithMetricsServer ...
func (o *Options) WithMetricsServer(metricsServer bool) *Options {
	o.MetricsServer = metricsServer
	return o
}

// WithMetricsServerPort ...
func (o *Options) WithMetricsServerPort(port int) *Options {
	o.MetricsServerPort = port
	return o
}

// WithNoHistograms disables the gRPC handling time histograms
func (o *Options) WithNoHistograms(noHistograms bool) *Options {
	o.NoHistograms = noHistograms
	return o
}

// WithDetached sets detached
func (o *Options) WithDetached(detached bool) *Options {
	o.Detached = detached
	return o
}

// WithMaxRecvMsgSize max recv msg size in bytes
func (o *Options) WithMaxRecvMsgSize(maxRecvMsgSize int) *Options {
	o.MaxRecvMsgSize = maxRecvMsgSize
	return o
}

// WithListener used usually to pass a bufered listener for testing purposes
func (o *Options) WithListener(lis net.Listener) *Options {
	o.listener = lis
	return o
}

// WithSynced sets synced mode
func (o *Options) WithSynced(synced bool) *Options {
	o.synced = synced
	return o
}

// GetSynced returns synced mode
func (o *Options) GetSynced() bool {
	return o.synced
}

func (o *Options) WithChunkSize(chunkSize int32) *Options {
	o.ChunkSize = chunkSize
	return o
}

func (o *Options) WithMaxAppendSize(size int) *Options {
	o.MaxAppendSize = size
	return o
}

func (o *Options) WithHashCollisionReadLimit(limit int) *Options {
	o.HashCollisionReadLimit = limit
	return o
}

func (o *Options) WithVerifyChunksOnOpen(verify bool) *Options {
	o.VerifyChunksOnOpen = verify
	return o
}

func (o *Options) WithMaxLiveQueueSize(size int) *Options {
	o.MaxLiveQueueSize = size
	return o
}

func (o *Options) WithReplicationOptions(replicationOptions *ReplicationOptions) *Options {
	o.ReplicationOptions = replicationOptions
	return o
}

// Bind returns bind address
func (o *Options) Bind() string {
	return o.Address + ":" + strconv.Itoa(o.Port)
}

// MetricsBind return metrics bind address
func (o *Options) MetricsBind() string {
	return o.Address + ":" + strconv.Itoa(o.MetricsServerPort)
}

// String print options
func (o *Options) String() string {
	rightPad := func(k string, v interface{}) string {
		return fmt.Sprintf("%-17s: %v", k, v)
	}
	opts := make([]string, 0, 17)
	opts = append(opts, "================ Config ================")
	opts = append(opts, rightPad("Data dir", o.Dir))
	opts = append(opts, rightPad("Address", fmt.Sprintf("%s:%d", o.Address, o.Port)))

	if repOpts := o.ReplicationOptions; repOpts != nil {
		opts = append(opts, rightPad("Cluster size", repOpts.ClusterSize))
		if repOpts.LeaderAddress != "" {
			opts = append(opts, rightPad("Replica of", repOpts.LeaderAddress))
			opts = append(opts, rightPad("Promotable", repOpts.IsPromotable))
		}
		opts = append(opts, rightPad("Replica timeout", repOpts.ReplicaTimeout))
	}

	if o.MetricsServer {
		opts = append(opts, rightPad("Metrics address", fmt.Sprintf("%s:%d/metrics", o.Address, o.MetricsServerPort)))
	}
	if o.Config != "" {
		opts = append(opts, rightPad("Config file", o.Config))
	}
	if o.Pidfile != "" {
		opts = append(opts, rightPad("PID file", o.Pidfile))
	}
	if o.Logfile != "" {
		opts = append(opts, rightPad("Log file", o.Logfile))
	}
	opts = append(opts, rightPad("Log format", o.LogFormat))
	opts = append(opts, rightPad("Max recv msg size", o.MaxRecvMsgSize))
	opts = append(opts, rightPad("Chunk size", o.ChunkSize))
	opts = append(opts, rightPad("Synced mode", o.synced))
	opts = append(opts, "========================================")
	return strings.Join(opts, "\n")
}

// WithClusterSize sets the number of nodes, leader included
func (opts *ReplicationOptions) WithClusterSize(clusterSize int) *ReplicationOptions {
	opts.ClusterSize = clusterSize
	return opts
}

// WithLeaderAddress makes the node a replica of the given leader
func (opts *ReplicationOptions) WithLeaderAddress(leaderAddress string) *ReplicationOptions {
	opts.LeaderAddress = leaderAddress
	return opts
}

// WithAdvertiseAddress sets the address announced to the other nodes
func (opts *ReplicationOptions) WithAdvertiseAddress(advertiseAddress string) *ReplicationOptions {
	opts.AdvertiseAddress = advertiseAddress
	return opts
}

func (opts *ReplicationOptions) WithIsPromotable(isPromotable bool) *ReplicationOptions {
	opts.IsPromotable = isPromotable
	return opts
}

func (opts *ReplicationOptions) WithReplicaTimeout(replicaTimeout time.Duration) *ReplicationOptions {
	opts.ReplicaTimeout = replicaTimeout
	return opts
}

func (opts *ReplicationOptions) WithHeartbeatInterval(heartbeatInterval time.Duration) *ReplicationOptions {
	opts.HeartbeatInterval = heartbeatInterval
	return opts
}
