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

// Package workerauth 管理实例 worker 的认证 token：ready 时签发，离开 ready 时吊销。
package workerauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL token 缺省有效期
const DefaultTTL = 30 * 24 * time.Hour

const prefixLen = 12

// Store 只保存 token 的哈希与前缀，明文仅在签发时返回一次
type Store interface {
	Issue(ctx context.Context, instanceID string) (string, error)
	Revoke(ctx context.Context, instanceID string) error
	Verify(ctx context.Context, instanceID, token string) (bool, error)
}

// GenerateToken 生成 wk_<uuid>_<uuid> 形式的明文 token
func GenerateToken() string {
	return "wk_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HashToken sha256 十六进制
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix 用于日志与排障的可展示前缀
func TokenPrefix(token string) string {
	if len(token) <= prefixLen {
		return token
	}
	return token[:prefixLen]
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Pickup 一次性明文领取缓存：worker 注册时取走，取后即删
type Pickup struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewPickup 创建领取缓存
func NewPickup() *Pickup {
	return &Pickup{tokens: make(map[string]string)}
}

func (p *Pickup) Put(instanceID, token string) {
	p.mu.Lock()
	p.tokens[instanceID] = token
	p.mu.Unlock()
}

// Take 取走明文；第二次调用返回 false
func (p *Pickup) Take(instanceID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tokens[instanceID]
	if ok {
		delete(p.tokens, instanceID)
	}
	return t, ok
}

func (p *Pickup) Drop(instanceID string) {
	p.mu.Lock()
	delete(p.tokens, instanceID)
	p.mu.Unlock()
}

// Manager 组合 Store 与 Pickup，供状态迁移钩子调用
type Manager struct {
	Store  Store
	Pickup *Pickup
}

// NewManager 创建 Manager
func NewManager(store Store) *Manager {
	return &Manager{Store: store, Pickup: NewPickup()}
}

// IssueForInstance 签发并放入领取缓存
func (m *Manager) IssueForInstance(ctx context.Context, instanceID string) error {
	token, err := m.Store.Issue(ctx, instanceID)
	if err != nil {
		return err
	}
	m.Pickup.Put(instanceID, token)
	return nil
}

// RevokeForInstance 吊销并清除未领取的明文
func (m *Manager) RevokeForInstance(ctx context.Context, instanceID string) error {
	m.Pickup.Drop(instanceID)
	return m.Store.Revoke(ctx, instanceID)
}
