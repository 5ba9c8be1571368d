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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	_metricsConnectedReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_replication_connected_replicas",
		Help: "number of replicas subscribed to this leader",
	})

	_metricsAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_replication_acks",
		Help: "number of acks received from replicas",
	}, []string{"type"})

	_metricsBytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_replication_bytes_sent",
		Help: "number of chunk bytes sent to replicas",
	}, []string{"kind"})

	_metricsBytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_replication_bytes_received",
		Help: "number of chunk bytes received from the leader",
	}, []string{"kind"})

	_metricsQuorumWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventdb_replication_quorum_wait",
		Buckets: prometheus.ExponentialBucketsRange(0.0001, 10.0, 16),
		Help:    "histogram of time spent by transactions waiting for the replication quorum",
	})

	_metricsPendingTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_replication_pending_transactions",
		Help: "number of transactions waiting for the replication quorum",
	})

	_metricsReplicationLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventdb_replication_lag",
		Help: "difference in bytes between the leader writer position and the position acked by a replica",
	}, []string{"replica"})

	_metricsReplicatedPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_replication_replicated_position",
		Help: "log position committed by a quorum of nodes",
	})

	_metricsReplicaRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_replication_replica_retries",
		Help: "number of reconnection attempts of the replica caused by errors",
	})

	_metricsReplicaInRetryDelay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_replication_replica_retry_delay",
		Help: "set to 1 while the replica is delaying a reconnection",
	})

	_metricsReplicaWriterPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_replication_replica_writer_position",
		Help: "writer position of the replica",
	})
)

func countAck(m Message) {
	_metricsAcks.WithLabelValues(m.Type().String()).Inc()
}

// forgetReplica drops the per replica series of a disconnected replica
func forgetReplica(replicaID string) {
	_metricsReplicationLag.DeleteLabelValues(replicaID)
}
