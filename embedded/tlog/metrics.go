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

package tlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsCacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_tlog_chunk_cache_events",
		Help: "Opened chunk cache event counters",
	}, []string{"event"})

	metricsCacheEvicted = metricsCacheEvents.WithLabelValues("evicted")
	metricsCacheHit     = metricsCacheEvents.WithLabelValues("hit")
	metricsCacheMiss    = metricsCacheEvents.WithLabelValues("miss")

	metricsReadEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_tlog_read_events",
		Help: "Transaction log read event counters",
	}, []string{"event"})

	metricsReads      = metricsReadEvents.WithLabelValues("total_reads")
	metricsReadErrors = metricsReadEvents.WithLabelValues("errors")

	metricsAppendedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_tlog_appended_records",
		Help: "Number of records appended to the transaction log",
	})

	metricsWrittenBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_tlog_written_bytes",
		Help: "Number of bytes written into chunks, raw replica writes included",
	})

	metricsCompletedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_tlog_completed_chunks",
		Help: "Number of chunks completed",
	})

	metricsWriterCheckpoint = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_tlog_writer_checkpoint",
		Help: "Last flushed writer checkpoint",
	})
)
