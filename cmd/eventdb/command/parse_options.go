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
	"fmt"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/pkg/server"
	"github.com/spf13/viper"
)

func parseOptions() (options *server.Options, err error) {
	logLevel, ok := logger.ParseLogLevel(viper.GetString("log-level"))
	if !ok {
		return nil, fmt.Errorf("%w: unknown log level '%s'", server.ErrIllegalArguments, viper.GetString("log-level"))
	}

	replicationOptions := server.DefaultReplicationOptions().
		WithClusterSize(viper.GetInt("cluster-size")).
		WithLeaderAddress(viper.GetString("leader-address")).
		WithAdvertiseAddress(viper.GetString("advertise-address")).
		WithIsPromotable(viper.GetBool("promotable")).
		WithReplicaTimeout(viper.GetDuration("replica-timeout")).
		WithHeartbeatInterval(viper.GetDuration("heartbeat-interval"))

	options = server.
		DefaultOptions().
		WithDir(viper.GetString("dir")).
		WithPort(viper.GetInt("port")).
		WithAddress(viper.GetString("address")).
		WithPidfile(viper.GetString("pidfile")).
		WithLogfile(viper.GetString("logfile")).
		WithLogFormat(viper.GetString("logformat")).
		WithLogLevel(logLevel).
		WithMaxRecvMsgSize(viper.GetInt("max-recv-msg-size")).
		WithNoHistograms(viper.GetBool("no-histograms")).
		WithDetached(viper.GetBool("detached")).
		WithSynced(viper.GetBool("synced")).
		WithMetricsServer(viper.GetBool("metrics-server")).
		WithMetricsServerPort(viper.GetInt("metrics-server-port")).
		WithChunkSize(viper.GetInt32("chunk-size")).
		WithMaxAppendSize(viper.GetInt("max-append-size")).
		WithHashCollisionReadLimit(viper.GetInt("hash-collision-read-limit")).
		WithMaxLiveQueueSize(viper.GetInt("max-live-queue-size")).
		WithVerifyChunksOnOpen(viper.GetBool("verify-chunks-on-open")).
		WithReplicationOptions(replicationOptions)

	return options, options.Validate()
}
