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

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_store_appends",
		Help: "Number of append requests by outcome",
	}, []string{"outcome"})

	metricsAppendOk                = metricsAppends.WithLabelValues("ok")
	metricsAppendIdempotent        = metricsAppends.WithLabelValues("idempotent")
	metricsAppendWrongVersion      = metricsAppends.WithLabelValues("wrong_expected_version")
	metricsAppendStreamDeleted     = metricsAppends.WithLabelValues("stream_deleted")
	metricsAppendQuorumTimeout     = metricsAppends.WithLabelValues("quorum_timeout")
	metricsAppendAbandonedAtCommit = metricsAppends.WithLabelValues("abandoned_at_commit")

	metricsAppendedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_store_appended_events",
		Help: "Number of events committed by this node",
	})

	metricsReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_store_reads",
		Help: "Number of read requests by kind",
	}, []string{"kind"})

	metricsReadEvent  = metricsReads.WithLabelValues("event")
	metricsReadStream = metricsReads.WithLabelValues("stream")
	metricsReadAll    = metricsReads.WithLabelValues("all")

	metricsCollisionReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_store_hash_collision_reads",
		Help: "Number of prepares read to discriminate colliding stream hashes",
	})

	metricsChaserPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_store_chaser_position",
		Help: "Log position processed by the chaser",
	})

	metricsIndexedCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_store_indexed_commits",
		Help: "Number of commit records indexed",
	})
)
