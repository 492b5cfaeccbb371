// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
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
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供管理面 /metrics 暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobLastRunTimestamp, JobCandidates, JobErrorsTotal, JobIterationDuration, ClaimConflictsTotal,
		ProviderCallDuration, ProviderCallsTotal,
		BusMessagesTotal, BusPublishTotal,
		InstanceTransitionsTotal, InstancesByStatus,
	)
}

// JobLastRunTimestamp 每个 Job 最近一次迭代完成时间（unix 秒）
var JobLastRunTimestamp = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "orchestrator_job_last_run_timestamp_seconds",
		Help: "Job 最近一次迭代完成时间",
	},
	[]string{"job"},
)

// JobCandidates 最近一次迭代扫描到的候选实例数
var JobCandidates = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "orchestrator_job_candidates",
		Help: "最近一次迭代的候选实例数",
	},
	[]string{"job"},
)

// JobErrorsTotal Job 错误数
var JobErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_job_errors_total",
		Help: "Job 错误总数",
	},
	[]string{"job", "kind"}, // scan | transient | permanent | store
)

// JobIterationDuration 单次迭代耗时
var JobIterationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestrator_job_iteration_duration_seconds",
		Help:    "Job 单次迭代耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"job"},
)

// ClaimConflictsTotal claim 竞争失败次数（静默跳过）
var ClaimConflictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_claim_conflicts_total",
		Help: "claim 竞争失败次数",
	},
	[]string{"actor"},
)

// ProviderCallDuration provider 调用耗时
var ProviderCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestrator_provider_call_duration_seconds",
		Help:    "provider 调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider", "op"},
)

// ProviderCallsTotal provider 调用结果
var ProviderCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_provider_calls_total",
		Help: "provider 调用次数（按结果）",
	},
	[]string{"provider", "op", "outcome"}, // ok | not_found | transient | permanent
)

// BusMessagesTotal 收到的总线消息
var BusMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_bus_messages_total",
		Help: "命令总线收到的消息数",
	},
	[]string{"verb", "result"}, // dispatched | malformed | unknown_verb | no_handler
)

// BusPublishTotal 发布的总线消息
var BusPublishTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_bus_publish_total",
		Help: "发布到总线的消息数",
	},
	[]string{"channel", "result"},
)

// InstanceTransitionsTotal 状态迁移次数
var InstanceTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_instance_transitions_total",
		Help: "实例状态迁移次数",
	},
	[]string{"from", "to"},
)

// InstancesByStatus 各状态实例数（由 scaling 循环刷新）
var InstancesByStatus = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "orchestrator_instances",
		Help: "各状态实例数",
	},
	[]string{"status"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
