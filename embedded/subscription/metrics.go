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

package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventdb_subscriptions_active",
		Help: "Number of subscriptions not dropped yet",
	})

	metricsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_subscriptions_dropped",
		Help: "Number of dropped subscriptions by reason",
	}, []string{"reason"})

	metricsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventdb_subscriptions_delivered_events",
		Help: "Number of events delivered to subscribers by phase",
	}, []string{"phase"})

	metricsDeliveredHistory = metricsDelivered.WithLabelValues("catchup")
	metricsDeliveredLive    = metricsDelivered.WithLabelValues("live")

	metricsOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_subscriptions_live_queue_overflows",
		Help: "Number of times a subscription fell behind the live feed",
	})

	metricsLiveGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventdb_subscriptions_live_gaps",
		Help: "Number of times a stream subscription saw a gap in the live feed and caught up from the log",
	})
)
