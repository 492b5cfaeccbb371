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
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
)

// NatsTransport 基于 NATS core pub/sub（非 JetStream，无持久化）
type NatsTransport struct {
	nc *nats.Conn
}

var _ Transport = (*NatsTransport)(nil)

// NewNatsTransport 连接 NATS，断线无限重连
func NewNatsTransport(url, name string, logger *log.Logger) (*NatsTransport, error) {
	if logger == nil {
		logger = log.Nop()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NatsTransport{nc: nc}, nil
}

func (t *NatsTransport) Publish(ctx context.Context, channel, payload string) error {
	if t.nc == nil || t.nc.IsClosed() {
		return ErrClosed
	}
	return t.nc.Publish(channel, []byte(payload))
}

func (t *NatsTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	in := make(chan *nats.Msg, subscriptionBuffer)
	ns, err := t.nc.ChanSubscribe(channel, in)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	if err := t.nc.Flush(); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	sub := newPumpSub(ns.Unsubscribe)
	go func() {
		defer close(sub.out)
		for {
			select {
			case <-sub.done:
				return
			case m := <-in:
				if !sub.deliver(Message{Channel: m.Subject, Payload: string(m.Data)}) {
					return
				}
			}
		}
	}()
	return sub, nil
}

func (t *NatsTransport) Close() error {
	if t.nc != nil {
		_ = t.nc.Drain()
		t.nc.Close()
	}
	return nil
}
