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

package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/bus"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/metrics"
)

// ReasonScaleDown 缩容时 TERMINATE 携带的删除原因
const ReasonScaleDown = "scale_down"

// Pool 一个实例池的目标规模
type Pool struct {
	Name         string `json:"name"`
	Zone         string `json:"zone"`
	InstanceType string `json:"instance_type"`
	Desired      int    `json:"desired"`
}

// DesiredSource 目标规模来源；策略本身不在编排器内
type DesiredSource interface {
	Pools(ctx context.Context) ([]Pool, error)
}

// StaticPools 来自配置文件的固定目标
type StaticPools []Pool

func (p StaticPools) Pools(ctx context.Context) ([]Pool, error) {
	return append([]Pool(nil), p...), nil
}

// StaticPoolsFromConfig 转换 scaling.pools 配置
func StaticPoolsFromConfig(cfg config.ScalingConfig) StaticPools {
	out := make(StaticPools, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		out = append(out, Pool{Name: p.Name, Zone: p.Zone, InstanceType: p.InstanceType, Desired: p.Desired})
	}
	return out
}

// CommandSender 发布总线命令，*bus.Publisher 实现该接口
type CommandSender interface {
	Send(ctx context.Context, cmd bus.Command) error
}

// ScalingEngine 比较各池目标与实际数量：不足时插入 provisioning 行并发布 PROVISION，
// 过剩时先在最新的实例上记录终止意图再发布 TERMINATE。自身从不修改实例状态。
type ScalingEngine struct {
	store        instance.Store
	source       DesiredSource
	sender       CommandSender
	providerCode string
	logger       *log.Logger
}

// NewScalingEngine logger 为 nil 时丢弃日志
func NewScalingEngine(store instance.Store, source DesiredSource, sender CommandSender, providerCode string, logger *log.Logger) *ScalingEngine {
	if logger == nil {
		logger = log.Nop()
	}
	return &ScalingEngine{store: store, source: source, sender: sender, providerCode: providerCode, logger: logger}
}

// Loop 包装为调度循环
func (e *ScalingEngine) Loop(interval time.Duration) *Loop {
	return &Loop{Name: NameScalingEngine, Interval: interval, Iterate: e.Iterate}
}

// Iterate 对每个池执行一次比较；Candidates 为池数量，Processed 为发出的命令数
func (e *ScalingEngine) Iterate(ctx context.Context) (Stats, error) {
	var st Stats
	pools, err := e.source.Pools(ctx)
	if err != nil {
		return st, fmt.Errorf("load desired pools: %w", err)
	}
	st.Candidates = len(pools)
	for _, p := range pools {
		if ctx.Err() != nil {
			break
		}
		if err := e.scalePool(ctx, p, &st); err != nil {
			st.Errors++
			st.LastError = err.Error()
			e.logger.Error("scaling pool failed", "pool", p.Name, "error", err)
		}
	}
	if err := e.refreshGauges(ctx); err != nil {
		e.logger.Warn("refresh instance gauges failed", "error", err)
	}
	return st, nil
}

func (e *ScalingEngine) scalePool(ctx context.Context, p Pool, st *Stats) error {
	rows, err := e.store.List(ctx, instance.ListFilter{Pool: p.Name, Statuses: instance.ActiveStatuses})
	if err != nil {
		return err
	}
	// 已记录终止意图的行不再计入规模
	active := rows[:0]
	for _, inst := range rows {
		if !inst.TerminationRequested() {
			active = append(active, inst)
		}
	}
	switch diff := p.Desired - len(active); {
	case diff > 0:
		e.logger.Info("pool below desired, provisioning", "pool", p.Name, "desired", p.Desired, "active", len(active))
		for i := 0; i < diff; i++ {
			if err := e.provisionOne(ctx, p); err != nil {
				return err
			}
			st.Processed++
		}
	case diff < 0:
		e.logger.Info("pool above desired, terminating", "pool", p.Name, "desired", p.Desired, "active", len(active))
		for _, inst := range pickSurplus(active, -diff) {
			if err := e.terminateOne(ctx, inst); err != nil {
				return err
			}
			st.Processed++
		}
	}
	return nil
}

// provisionOne 先落库再发布；发布丢失时由 provisioning_recovery 发现该行
func (e *ScalingEngine) provisionOne(ctx context.Context, p Pool) error {
	inst := instance.NewInstance(p.Name, p.Zone, p.InstanceType)
	inst.ProviderCode = e.providerCode
	if err := e.store.Create(ctx, inst); err != nil {
		return fmt.Errorf("insert provisioning row: %w", err)
	}
	cmd := bus.NewCommand(bus.VerbProvision,
		bus.ArgInstanceID, inst.ID, bus.ArgPool, p.Name, bus.ArgZone, p.Zone, bus.ArgType, p.InstanceType)
	if err := e.sender.Send(ctx, cmd); err != nil {
		e.logger.Warn("publish PROVISION failed, row left for recovery", "instance_id", inst.ID, "error", err)
	}
	return nil
}

// terminateOne 先落库终止意图再发布；发布丢失时由 terminate_requests 推进
func (e *ScalingEngine) terminateOne(ctx context.Context, inst *instance.Instance) error {
	if err := e.store.RequestTermination(ctx, inst.ID, ReasonScaleDown); err != nil {
		return fmt.Errorf("record termination %s: %w", inst.ID, err)
	}
	cmd := bus.NewCommand(bus.VerbTerminate, bus.ArgInstanceID, inst.ID, bus.ArgReason, ReasonScaleDown)
	if err := e.sender.Send(ctx, cmd); err != nil {
		e.logger.Warn("publish TERMINATE failed, intent left for terminate_requests", "instance_id", inst.ID, "error", err)
	}
	return nil
}

var surplusRank = map[instance.Status]int{
	instance.StatusProvisioning: 0,
	instance.StatusBooting:      1,
	instance.StatusReady:        2,
}

// pickSurplus 先 provisioning、再 booting、最后 ready；同状态内先选最新创建的
func pickSurplus(active []*instance.Instance, n int) []*instance.Instance {
	sorted := append([]*instance.Instance(nil), active...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := surplusRank[sorted[i].Status], surplusRank[sorted[j].Status]
		if ri != rj {
			return ri < rj
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func (e *ScalingEngine) refreshGauges(ctx context.Context) error {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, s := range instance.AllStatuses {
		metrics.InstancesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return nil
}
