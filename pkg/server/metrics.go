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
	"context"
	"expvar"
	"net"
	"net/http"
	"sync"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

var metricsNamespace = "eventdb"

// MetricsCollection eventdb Prometheus metrics collection
type MetricsCollection struct {
	mutex sync.RWMutex

	uptime          func() float64
	writerPosition  func() float64
	indexedPosition func() float64
	leader          func() float64

	UptimeCounter                prometheus.CounterFunc
	WriterPositionGauge          prometheus.GaugeFunc
	IndexedPositionGauge         prometheus.GaugeFunc
	LeaderGauge                  prometheus.GaugeFunc
	RPCsPerClientCounters        *prometheus.CounterVec
	LastMessageAtPerClientGauges *prometheus.GaugeVec
}

// Metrics eventdb Prometheus metrics collection
var Metrics = newMetricsCollection()

func newMetricsCollection() *MetricsCollection {
	mc := &MetricsCollection{}

	mc.UptimeCounter = promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uptime_hours",
			Help:      "Server uptime in hours.",
		},
		func() float64 { return mc.value(&mc.uptime) },
	)
	mc.WriterPositionGauge = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "writer_position",
			Help:      "Flushed end of the transaction log.",
		},
		func() float64 { return mc.value(&mc.writerPosition) },
	)
	mc.IndexedPositionGauge = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "indexed_position",
			Help:      "Log position up to which commits are readable.",
		},
		func() float64 { return mc.value(&mc.indexedPosition) },
	)
	mc.LeaderGauge = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "is_leader",
			Help:      "1 when the node accepts writes, 0 when it replicates a leader.",
		},
		func() float64 { return mc.value(&mc.leader) },
	)
	mc.RPCsPerClientCounters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "number_rpcs_per_client",
			Help:      "Number of handled RPCs per client.",
		},
		[]string{"ip"},
	)
	mc.LastMessageAtPerClientGauges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clients_last_message_at_unix_seconds",
			Help:      "Timestamp at which clients have sent their most recent message.",
		},
		[]string{"ip"},
	)

	return mc
}

func (mc *MetricsCollection) value(f *func() float64) float64 {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	if *f == nil {
		return 0
	}
	return (*f)()
}

// WithUptimeCounter ...
func (mc *MetricsCollection) WithUptimeCounter(f func() float64) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.uptime = f
}

// WithNodeState binds the position and role gauges to a running node.
func (mc *MetricsCollection) WithNodeState(writerPosition, indexedPosition, leader func() float64) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.writerPosition = writerPosition
	mc.indexedPosition = indexedPosition
	mc.leader = leader
}

// UpdateClientMetrics ...
func (mc *MetricsCollection) UpdateClientMetrics(ctx context.Context) {
	p, ok := peer.FromContext(ctx)
	if !ok || p == nil || p.Addr == nil {
		return
	}

	ip, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		ip = p.Addr.String()
	}

	mc.RPCsPerClientCounters.WithLabelValues(ip).Inc()
	mc.LastMessageAtPerClientGauges.WithLabelValues(ip).SetToCurrentTime()
}

// StreamServerInterceptor records per client activity for every stream.
func (mc *MetricsCollection) StreamServerInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	mc.UpdateClientMetrics(ss.Context())
	return handler(srv, ss)
}

// StartMetrics listens and servers the HTTP metrics server in a new goroutine.
// The server is then returned and can be stopped using Close().
func StartMetrics(addr string, l logger.Logger, uptimeCounter func() float64) *http.Server {
	Metrics.WithUptimeCounter(uptimeCounter)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil {
			if err == http.ErrServerClosed {
				l.Debugf("metrics http server closed")
			} else {
				l.Errorf("metrics error: %s", err)
			}
		}
	}()

	return server
}
