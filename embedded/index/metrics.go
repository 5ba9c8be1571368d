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

package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsMemTableEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_index_memtable_entries",
		Help: "Number of entries held by the active memtable",
	})

	metricsPTables = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_index_ptables",
		Help: "Number of persisted index tables",
	})

	metricsMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_index_merges",
		Help: "Number of PTable merges",
	})

	metricsPersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventdb_index_persist_duration_seconds",
		Help:    "Time spent writing a memtable into a PTable, merges included",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)
