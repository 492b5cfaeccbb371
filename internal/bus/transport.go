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
	"sync"
)

// DefaultChannel 命令总线缺省频道
const DefaultChannel = "orchestrator_events"

// subscriptionBuffer 单个订阅的缓冲；满时新消息丢弃（至多一次投递）
const subscriptionBuffer = 256

// ErrClosed 传输已关闭
var ErrClosed = errors.New("bus: transport closed")

// Message 收到的一条原始消息
type Message struct {
	Channel string
	Payload string
}

// Subscription 一个频道订阅；Close 后 C() 被关闭
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Transport 非持久的发布订阅：消息只投递给发布时在线的订阅者
type Transport interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// pumpSub 把底层客户端的消息泵入 out，redis / nats 共用
type pumpSub struct {
	out     chan Message
	done    chan struct{}
	once    sync.Once
	closeFn func() error
	err     error
}

func newPumpSub(closeFn func() error) *pumpSub {
	return &pumpSub{
		out:     make(chan Message, subscriptionBuffer),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

func (s *pumpSub) C() <-chan Message { return s.out }

func (s *pumpSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.closeFn != nil {
			s.err = s.closeFn()
		}
	})
	return s.err
}

// deliver 投递一条消息；已关闭时返回 false
func (s *pumpSub) deliver(m Message) bool {
	select {
	case s.out <- m:
		return true
	case <-s.done:
		return false
	}
}
