// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// servNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	servNamespace = "proj2"

	// 以下为当前使用的通用标签名。
	transportLabelName = "transport"
	kindLabelName      = "kind"
	reasonLabelName    = "reason"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	ActiveSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: servNamespace,
			Name:      "active_sessions",
			Help:      "number of live sessions per transport",
		}, []string{transportLabelName})

	SessionsAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "sessions_admitted_total",
			Help:      "total sessions admitted per transport",
		}, []string{transportLabelName})

	SessionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "sessions_rejected_total",
			Help:      "total sessions rejected at admission per transport",
		}, []string{transportLabelName})

	SessionsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "sessions_evicted_total",
			Help:      "total idle sessions removed by the eviction sweep",
		}, []string{transportLabelName})

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "messages_received_total",
			Help:      "total decoded inbound messages per transport and kind",
		}, []string{transportLabelName, kindLabelName})

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "messages_sent_total",
			Help:      "total encoded outbound messages per transport and kind",
		}, []string{transportLabelName, kindLabelName})

	MalformedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "malformed_messages_total",
			Help:      "total inbound messages dropped as malformed",
		}, []string{transportLabelName})

	AdmissionRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "admission_rejected_total",
			Help:      "total work units rejected by the backpressure controller",
		}, []string{reasonLabelName})

	InflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: servNamespace,
			Name:      "inflight_requests",
			Help:      "currently admitted in-flight requests",
		})

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "bytes_received_total",
			Help:      "total payload bytes received per transport",
		}, []string{transportLabelName})

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: servNamespace,
			Name:      "bytes_sent_total",
			Help:      "total payload bytes sent per transport",
		}, []string{transportLabelName})

	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: servNamespace,
			Name:      "request_latency_milliseconds",
			Help:      "handler latency per message kind",
			Buckets:   buckets,
		}, []string{kindLabelName})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 通常应在进程启动时调用一次。
func Register(r prometheus.Registerer) {
	r.MustRegister(ActiveSessions)
	r.MustRegister(SessionsAdmitted)
	r.MustRegister(SessionsRejected)
	r.MustRegister(SessionsEvicted)
	r.MustRegister(MessagesReceived)
	r.MustRegister(MessagesSent)
	r.MustRegister(MalformedMessages)
	r.MustRegister(AdmissionRejected)
	r.MustRegister(InflightRequests)
	r.MustRegister(BytesReceived)
	r.MustRegister(BytesSent)
	r.MustRegister(RequestLatency)
	metricRegisterer = r
}
