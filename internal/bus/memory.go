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
	"sync"
)

// MemoryTransport 进程内 fan-out；无订阅者时消息丢失，与真实总线语义一致
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport 创建内存总线
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	t       *MemoryTransport
	channel string
	out     chan Message
	once    sync.Once
}

func (s *memorySub) C() <-chan Message { return s.out }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		if set, ok := s.t.subs[s.channel]; ok {
			delete(set, s)
		}
		s.t.mu.Unlock()
		close(s.out)
	})
	return nil
}

func (t *MemoryTransport) Publish(ctx context.Context, channel, payload string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	for s := range t.subs[channel] {
		select {
		case s.out <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	s := &memorySub{t: t, channel: channel, out: make(chan Message, subscriptionBuffer)}
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[*memorySub]struct{})
	}
	t.subs[channel][s] = struct{}{}
	return s, nil
}

// Subscribers 频道当前订阅数，测试用
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[channel])
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	var all []*memorySub
	for _, set := range t.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	t.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
	return nil
}
