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

	"github.com/redis/go-redis/v9"
)

// RedisTransport 基于 Redis PUBLISH / SUBSCRIBE
type RedisTransport struct {
	client *redis.Client
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport url 形如 redis://:password@host:6379/0
func NewRedisTransport(ctx context.Context, url string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisTransport{client: client}, nil
}

// NewRedisTransportFromClient 复用已有客户端
func NewRedisTransportFromClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, channel, payload string) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)
	// 等待订阅确认，之后发布的消息才保证可达
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	sub := newPumpSub(ps.Close)
	in := ps.Channel()
	go func() {
		defer close(sub.out)
		for {
			select {
			case <-sub.done:
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				if !sub.deliver(Message{Channel: m.Channel, Payload: m.Payload}) {
					return
				}
			}
		}
	}()
	return sub, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
