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

// Package finops 发布实例计费起止事件（尽力而为）。
package finops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/bus"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/metrics"
)

// DefaultChannel 计费事件频道
const DefaultChannel = "finops_events"

const (
	EventCostStart = "EVT:INSTANCE_COST_START"
	EventCostStop  = "EVT:INSTANCE_COST_STOP"
)

// Event 事件信封
type Event struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
}

// Emitter 通过总线传输发布事件
type Emitter struct {
	transport bus.Transport
	channel   string
	source    string
	logger    *log.Logger
	Now       func() time.Time
}

// NewEmitter channel 为空时使用 DefaultChannel
func NewEmitter(t bus.Transport, channel, source string, logger *log.Logger) *Emitter {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Emitter{transport: t, channel: channel, source: source, logger: logger, Now: time.Now}
}

func payloadFor(inst *instance.Instance) map[string]any {
	return map[string]any{
		"instance_id":   inst.ID,
		"external_id":   inst.ExternalID,
		"provider":      inst.ProviderCode,
		"zone":          inst.Zone,
		"instance_type": inst.InstanceType,
		"pool":          inst.Pool,
	}
}

// CostStart 实例进入 ready
func (e *Emitter) CostStart(ctx context.Context, inst *instance.Instance) error {
	return e.emit(ctx, EventCostStart, payloadFor(inst))
}

// CostStop 实例计费结束
func (e *Emitter) CostStop(ctx context.Context, inst *instance.Instance, reason string) error {
	p := payloadFor(inst)
	p["reason"] = reason
	return e.emit(ctx, EventCostStop, p)
}

func (e *Emitter) emit(ctx context.Context, typ string, payload map[string]any) error {
	ev := Event{
		EventID:    uuid.NewString(),
		Type:       typ,
		OccurredAt: e.Now().UTC(),
		Source:     e.source,
		Payload:    payload,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = e.transport.Publish(ctx, e.channel, string(data))
	result := "ok"
	if err != nil {
		result = "error"
		e.logger.Warn("finops event dropped", "type", typ, "instance_id", payload["instance_id"], "error", err)
	}
	metrics.BusPublishTotal.WithLabelValues(e.channel, result).Inc()
	return err
}
