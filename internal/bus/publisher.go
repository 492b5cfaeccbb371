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

package bus

import (
	"context"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/metrics"
)

// Publisher 编码并发布命令；发布成功不代表有人收到
type Publisher struct {
	transport Transport
	channel   string
}

// NewPublisher channel 为空时使用 DefaultChannel
func NewPublisher(t Transport, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{transport: t, channel: channel}
}

// Send 发布一条命令
func (p *Publisher) Send(ctx context.Context, cmd Command) error {
	err := p.transport.Publish(ctx, p.channel, Encode(cmd))
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BusPublishTotal.WithLabelValues(p.channel, result).Inc()
	return err
}

// Channel 发布频道
func (p *Publisher) Channel() string { return p.channel }
