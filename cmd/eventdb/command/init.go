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

package eventdb

import (
	c "github.com/codenotary/eventdb/cmd/helper"
	"github.com/codenotary/eventdb/pkg/server"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func setupFlags(flags *pflag.FlagSet, options *server.Options) {
	repOpts := options.ReplicationOptions

	flags.String("dir", options.Dir, "data folder")
	flags.IntP("port", "p", options.Port, "port number")
	flags.StringP("address", "a", options.Address, "bind address")
	flags.String("pidfile", options.Pidfile, "pid path with filename. E.g. /var/run/eventdb.pid")
	flags.String("logfile", options.Logfile, "log path with filename. E.g. /tmp/eventdb/eventdb.log")
	flags.String("logformat", options.LogFormat, "log format e.g. text/json")
	flags.String("log-level", options.LogLevel.String(), "log level, one of debug, info, warn or error")
	flags.Int("max-recv-msg-size", options.MaxRecvMsgSize, "max message size in bytes the server can receive")
	flags.Bool("no-histograms", options.NoHistograms, "disable collection of histogram metrics like query durations")
	flags.BoolP(c.DetachedFlag, c.DetachedShortFlag, options.Detached, "run eventdb in background")
	flags.Bool("synced", options.GetSynced(), "synced mode prevents data lost under unexpected crashes but affects performance")
	flags.Bool("metrics-server", options.MetricsServer, "enable or disable Prometheus endpoint")
	flags.Int("metrics-server-port", options.MetricsServerPort, "Prometheus endpoint port")
	flags.Int32("chunk-size", options.ChunkSize, "size in bytes of the data area of a log chunk")
	flags.Int("max-append-size", options.MaxAppendSize, "max size in bytes of the events of a single append")
	flags.Int("hash-collision-read-limit", options.HashCollisionReadLimit, "max number of index entries checked when stream hashes collide")
	flags.Bool("verify-chunks-on-open", options.VerifyChunksOnOpen, "check the hash of every completed chunk at startup, not only the last one")
	flags.Int("max-live-queue-size", options.MaxLiveQueueSize, "max number of events queued by a live subscription before it falls back to catch-up")
	flags.Int("cluster-size", repOpts.ClusterSize, "number of nodes in the cluster, leader included")
	flags.String("leader-address", repOpts.LeaderAddress, "address of the leader (host:port). When set the node runs as a replica")
	flags.String("advertise-address", repOpts.AdvertiseAddress, "address announced to the other nodes (defaults to the bind address)")
	flags.Bool("promotable", repOpts.IsPromotable, "replica can be promoted to leader")
	flags.Duration("replica-timeout", repOpts.ReplicaTimeout, "time after which a silent replica is disconnected")
	flags.Duration("heartbeat-interval", repOpts.HeartbeatInterval, "interval between replication heartbeats")
}

func setupDefaults(options *server.Options) {
	repOpts := options.ReplicationOptions

	viper.SetDefault("dir", options.Dir)
	viper.SetDefault("port", options.Port)
	viper.SetDefault("address", options.Address)
	viper.SetDefault("pidfile", options.Pidfile)
	viper.SetDefault("logfile", options.Logfile)
	viper.SetDefault("logformat", options.LogFormat)
	viper.SetDefault("log-level", options.LogLevel.String())
	viper.SetDefault("max-recv-msg-size", options.MaxRecvMsgSize)
	viper.SetDefault("no-histograms", options.NoHistograms)
	viper.SetDefault("detached", options.Detached)
	viper.SetDefault("synced", options.GetSynced())
	viper.SetDefault("metrics-server", options.MetricsServer)
	viper.SetDefault("metrics-server-port", options.MetricsServerPort)
	viper.SetDefault("chunk-size", options.ChunkSize)
	viper.SetDefault("max-append-size", options.MaxAppendSize)
	viper.SetDefault("hash-collision-read-limit", options.HashCollisionReadLimit)
	viper.SetDefault("verify-chunks-on-open", options.VerifyChunksOnOpen)
	viper.SetDefault("max-live-queue-size", options.MaxLiveQueueSize)
	viper.SetDefault("cluster-size", repOpts.ClusterSize)
	viper.SetDefault("leader-address", repOpts.LeaderAddress)
	viper.SetDefault("advertise-address", repOpts.AdvertiseAddress)
	viper.SetDefault("promotable", repOpts.IsPromotable)
	viper.SetDefault("replica-timeout", repOpts.ReplicaTimeout)
	viper.SetDefault("heartbeat-interval", repOpts.HeartbeatInterval)
}
