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
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/metrics"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/tracing"
)

// Handler 处理一条已解码的命令
type Handler interface {
	HandleCommand(ctx context.Context, cmd Command) error
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, cmd Command) error

func (f HandlerFunc) HandleCommand(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// Listener 订阅一次频道，每条合法命令在独立 goroutine 中分发
type Listener struct {
	transport Transport
	channel   string
	handler   Handler
	logger    *log.Logger
	wg        sync.WaitGroup
}

// NewListener channel 为空时使用 DefaultChannel
func NewListener(t Transport, channel string, h Handler, logger *log.Logger) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Listener{transport: t, channel: channel, handler: h, logger: logger}
}

// Run 阻塞直到 ctx 取消；单条消息失败不会中断监听
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.transport.Subscribe(ctx, l.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.channel, err)
	}
	defer sub.Close()
	l.logger.Info("command bus listener started", "channel", l.channel)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("command bus listener stopped", "channel", l.channel)
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("subscription %s closed", l.channel)
			}
			l.dispatch(ctx, msg)
		}
	}
}

// Wait 等待已分发的命令处理完成
func (l *Listener) Wait() {
	l.wg.Wait()
}

// unknownVerbLabel 无法解码的消息统一使用的 verb 标签
const unknownVerbLabel = "unknown"

func (l *Listener) dispatch(ctx context.Context, msg Message) {
	cmd, err := Decode(msg.Payload)
	if err != nil {
		result := "malformed"
		if errors.Is(err, ErrUnknownVerb) {
			result = "unknown_verb"
		}
		// 解码失败时 verb 来自载荷，不作为标签
		metrics.BusMessagesTotal.WithLabelValues(unknownVerbLabel, result).Inc()
		l.logger.Warn("dropping command", "payload", msg.Payload, "error", err)
		return
	}
	metrics.BusMessagesTotal.WithLabelValues(string(cmd.Verb), "dispatched").Inc()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("command handler panic", "verb", cmd.Verb, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		hctx, span := tracing.StartCommandSpan(ctx, string(cmd.Verb), cmd.InstanceID())
		err := l.handler.HandleCommand(hctx, cmd)
		tracing.EndSpan(span, err)
		if err != nil {
			l.logger.Error("command handler failed", "verb", cmd.Verb, "instance_id", cmd.InstanceID(), "error", err)
		}
	}()
}
