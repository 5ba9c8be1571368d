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
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codenotary/eventdb/embedded/checkpoint"
	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/multierr"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/codenotary/eventdb/embedded/subscription"
	"github.com/codenotary/eventdb/pkg/replication"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/rs/xid"
	"google.golang.org/grpc"
)

// Node is a single eventdb process: one store, its subscriptions and its
// role in the cluster, either leader or replica.
type Node struct {
	Options *Options
	Logger  logger.Logger

	id xid.ID

	mutex   sync.RWMutex
	running bool

	checkpoints   *checkpoint.Set
	store         *store.Store
	subscriptions *subscription.Manager
	tracker       *replication.QuorumTracker
	leader        *replication.Leader
	replica       *replication.Replica

	GrpcServer    *grpc.Server
	Listener      net.Listener
	metricsServer *http.Server
	pid           *PIDFile
	startedAt     time.Time
}

// DefaultNode returns a node configured with default options.
func DefaultNode() (*Node, error) {
	return NewNode(DefaultOptions())
}

func NewNode(opts *Options) (*Node, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	logOpts := &logger.Options{
		Name:      "eventdb",
		Level:     opts.LogLevel,
		LogFormat: opts.LogFormat,
	}

	if opts.Logfile != "" {
		logOpts.LogDir = filepath.Dir(opts.Logfile)
		logOpts.LogFile = filepath.Base(opts.Logfile)
	}

	l, err := logger.NewLogger(logOpts)
	if err != nil {
		return nil, err
	}

	return &Node{
		Options: opts,
		Logger:  l,
		id:      xid.New(),
	}, nil
}

// WithLogger replaces the logger built from the options
func (n *Node) WithLogger(l logger.Logger) *Node {
	n.Logger = l
	return n
}

func (n *Node) ID() string {
	return n.id.String()
}

func (n *Node) IsLeader() bool {
	return !n.Options.IsReplica()
}

// Start opens the store and brings up the role specific services.
func (n *Node) Start() (err error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.running {
		return ErrAlreadyStarted
	}

	defer func() {
		if err != nil {
			if cerr := n.shutdown(); cerr != nil {
				n.Logger.Warningf("unable to release resources after a failed start: %v", cerr)
			}
		}
	}()

	n.Logger.Infof("\n%s", n.Options)

	if n.Options.Pidfile != "" {
		n.pid, err = NewPid(n.Options.Pidfile)
		if err != nil {
			return err
		}
	}

	err = os.MkdirAll(n.Options.Dir, 0755)
	if err != nil {
		return err
	}

	n.checkpoints, err = checkpoint.OpenSet(n.Options.Dir)
	if err != nil {
		return err
	}

	storeOpts := store.DefaultOptions().
		WithReadOnly(n.Options.IsReplica()).
		WithSynced(n.Options.synced).
		WithChunkSize(n.Options.ChunkSize).
		WithMaxAppendSize(n.Options.MaxAppendSize).
		WithHashCollisionReadLimit(n.Options.HashCollisionReadLimit).
		WithVerifyOnOpen(n.Options.VerifyChunksOnOpen).
		WithLogger(n.Logger)

	if n.IsLeader() {
		n.tracker, err = replication.NewQuorumTracker(
			n.Options.ReplicationOptions.ClusterSize,
			n.checkpoints.Replication,
			n.checkpoints.Writer.Read,
			n.Logger,
		)
		if err != nil {
			return err
		}

		storeOpts.WithCommitAcceptor(n.tracker)
	}

	n.store, err = store.OpenWith(n.Options.Dir, n.checkpoints, storeOpts)
	if err != nil {
		return err
	}

	n.subscriptions, err = subscription.NewManager(n.store, subscription.DefaultOptions().
		WithMaxLiveQueueSize(n.Options.MaxLiveQueueSize).
		WithLogger(n.Logger))
	if err != nil {
		return err
	}

	err = n.setUpGrpc()
	if err != nil {
		return err
	}

	if n.Options.IsReplica() {
		n.replica, err = replication.NewReplica(n.id, n.store, n.replicationOptions())
		if err != nil {
			return err
		}

		err = n.replica.Start()
		if err != nil {
			return err
		}
	}

	n.startedAt = time.Now()

	st := n.store
	isLeader := 0.0
	if n.IsLeader() {
		isLeader = 1
	}

	Metrics.WithNodeState(
		func() float64 { return float64(st.Log().WriterCheckpoint()) },
		func() float64 { return float64(st.IndexedPosition()) },
		func() float64 { return isLeader },
	)

	if n.Options.MetricsServer {
		n.metricsServer = StartMetrics(n.Options.MetricsBind(), n.Logger, func() float64 {
			return time.Since(n.startedAt).Hours()
		})
	}

	n.running = true

	role := "leader"
	if n.Options.IsReplica() {
		role = "replica of " + n.Options.ReplicationOptions.LeaderAddress
	}
	n.Logger.Infof("node %s started as %s at %s", n.id, role, n.Listener.Addr())

	return nil
}

func (n *Node) replicationOptions() *replication.Options {
	repOpts := n.Options.ReplicationOptions

	advertise := repOpts.AdvertiseAddress
	if advertise == "" && n.Listener != nil {
		advertise = n.Listener.Addr().String()
	}

	opts := replication.DefaultOptions().
		WithClusterSize(repOpts.ClusterSize).
		WithIsPromotable(repOpts.IsPromotable).
		WithReplicaTimeout(repOpts.ReplicaTimeout).
		WithHeartbeatInterval(repOpts.HeartbeatInterval).
		WithLogger(n.Logger)

	if n.Options.IsReplica() {
		return opts.WithLeaderAddress(repOpts.LeaderAddress).WithReplicaAddress(advertise)
	}

	return opts.WithLeaderAddress(advertise)
}

func (n *Node) setUpGrpc() (err error) {
	if !n.Options.NoHistograms {
		grpc_prometheus.EnableHandlingTimeHistogram()
	}

	grpcOpts := append(replication.ServerOptions(),
		grpc.ChainStreamInterceptor(Metrics.StreamServerInterceptor),
		grpc.MaxRecvMsgSize(n.Options.MaxRecvMsgSize),
	)

	n.GrpcServer = grpc.NewServer(grpcOpts...)

	n.Listener = n.Options.listener
	if n.Listener == nil {
		n.Listener, err = net.Listen(n.Options.Network, n.Options.Bind())
		if err != nil {
			return fmt.Errorf("unable to listen on %s: %w", n.Options.Bind(), err)
		}
	}

	if n.IsLeader() {
		n.leader, err = replication.NewLeader(n.id.String(), n.store, n.tracker, n.replicationOptions())
		if err != nil {
			return err
		}

		n.leader.Register(n.GrpcServer)
	}

	grpc_prometheus.Register(n.GrpcServer)

	go func(srv *grpc.Server, lis net.Listener) {
		if err := srv.Serve(lis); err != nil {
			n.Logger.Errorf("grpc server stopped: %v", err)
		}
	}(n.GrpcServer, n.Listener)

	return nil
}

// Stop shuts the node down, releasing every resource even when some of
// them fail to close.
func (n *Node) Stop() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if !n.running {
		return ErrNotStarted
	}

	n.running = false

	n.Logger.Infof("stopping node %s", n.id)

	return n.shutdown()
}

func (n *Node) shutdown() error {
	merr := multierr.NewMultiErr()

	if n.replica != nil {
		err := n.replica.Stop()
		if err != nil && !errors.Is(err, replication.ErrAlreadyStopped) {
			merr.Append(err)
		}
		n.replica = nil
	}

	if n.GrpcServer != nil {
		n.GrpcServer.Stop()
		n.GrpcServer = nil
		n.Listener = nil
	}

	if n.leader != nil {
		merr.Append(n.leader.Close())
		n.leader = nil
	} else if n.tracker != nil {
		merr.Append(n.tracker.Close())
	}
	n.tracker = nil

	if n.subscriptions != nil {
		merr.Append(n.subscriptions.Close())
		n.subscriptions = nil
	}

	if n.store != nil {
		merr.Append(n.store.Close())
		n.store = nil
	}

	if n.checkpoints != nil {
		merr.Append(n.checkpoints.Close())
		n.checkpoints = nil
	}

	if n.metricsServer != nil {
		merr.Append(n.metricsServer.Close())
		n.metricsServer = nil
	}

	if n.pid != nil {
		merr.Append(n.pid.Remove())
		n.pid = nil
	}

	return merr.Reduce()
}

// Replicas lists the replicas following this node. It is empty on replicas.
func (n *Node) Replicas() []replication.ReplicaInfo {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	if n.leader == nil {
		return nil
	}
	return n.leader.Replicas()
}

// ReplicationErr returns the error that stopped replication, if any.
func (n *Node) ReplicationErr() error {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	if n.replica == nil {
		return nil
	}
	return n.replica.Err()
}
