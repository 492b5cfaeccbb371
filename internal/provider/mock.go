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

package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

// 操作名，用于故障注入与调用计数
const (
	OpCreate   = "create"
	OpDescribe = "describe"
	OpDelete   = "delete"
	OpList     = "list"
	OpCatalog  = "catalog"
)

type mockResource struct {
	Resource
	ip        string
	describes int
}

// Mock 确定性内存 provider：幂等创建、按 Describe 次数启动、可注入故障
type Mock struct {
	mu        sync.Mutex
	code      string
	bootAfter int
	seq       int
	byID      map[string]*mockResource
	byKey     map[string]string
	faults    map[string][]error
	// timeoutAfterCreate 下一次 Create 真实创建资源但返回超时
	timeoutAfterCreate bool
	calls              map[string]int
	catalog            []catalog.Item
}

var (
	_ Adapter       = (*Mock)(nil)
	_ CatalogSource = (*Mock)(nil)
)

// NewMock bootAfter 为资源报告 running 前需要的 Describe 次数，0 表示立即 running
func NewMock(code string, bootAfter int) *Mock {
	if code == "" {
		code = "mock"
	}
	return &Mock{
		code:      code,
		bootAfter: bootAfter,
		byID:      make(map[string]*mockResource),
		byKey:     make(map[string]string),
		faults:    make(map[string][]error),
		calls:     make(map[string]int),
	}
}

func (m *Mock) Code() string { return m.code }

// FailNext 让 op 的下一次调用返回 err；可多次调用排队
func (m *Mock) FailNext(op string, err error) {
	m.mu.Lock()
	m.faults[op] = append(m.faults[op], err)
	m.mu.Unlock()
}

// TimeoutAfterCreate 下一次 Create 创建资源后返回瞬时超时错误
func (m *Mock) TimeoutAfterCreate() {
	m.mu.Lock()
	m.timeoutAfterCreate = true
	m.mu.Unlock()
}

// Remove 带外删除资源（模拟控制台手工删除）
func (m *Mock) Remove(externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byID[externalID]; ok {
		delete(m.byKey, r.IdempotencyKey)
		delete(m.byID, externalID)
	}
}

// Inject 直接放入一个资源（模拟绕过编排器创建的机器）
func (m *Mock) Inject(r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status == "" {
		r.Status = StatusRunning
	}
	m.byID[r.ExternalID] = &mockResource{Resource: r}
	if r.IdempotencyKey != "" {
		m.byKey[r.IdempotencyKey] = r.ExternalID
	}
}

// SetStatus 修改资源状态
func (m *Mock) SetStatus(externalID string, status ResourceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byID[externalID]; ok {
		r.Status = status
	}
}

// SetCatalog 设置 FetchCatalog 返回的目录
func (m *Mock) SetCatalog(items []catalog.Item) {
	m.mu.Lock()
	m.catalog = append([]catalog.Item(nil), items...)
	m.mu.Unlock()
}

// Calls op 的累计调用次数（包括失败的调用）
func (m *Mock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Exists 资源是否仍存在
func (m *Mock) Exists(externalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[externalID]
	return ok
}

// enter 记录调用并弹出排队的故障；调用方持有锁
func (m *Mock) enter(op string) error {
	m.calls[op]++
	if q := m.faults[op]; len(q) > 0 {
		m.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Mock) Create(ctx context.Context, spec Spec, idempotencyKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreate); err != nil {
		return "", err
	}
	if id, ok := m.byKey[idempotencyKey]; ok && idempotencyKey != "" {
		return id, nil
	}
	m.seq++
	id := "mock-" + uuid.New().String()
	r := &mockResource{
		Resource: Resource{
			ExternalID:     id,
			IdempotencyKey: idempotencyKey,
			Zone:           spec.Zone,
			InstanceType:   spec.InstanceType,
			Status:         StatusPending,
		},
		ip: fmt.Sprintf("10.0.%d.%d", m.seq/250, m.seq%250+1),
	}
	if m.bootAfter <= 0 {
		r.Status = StatusRunning
	}
	m.byID[id] = r
	if idempotencyKey != "" {
		m.byKey[idempotencyKey] = id
	}
	if m.timeoutAfterCreate {
		m.timeoutAfterCreate = false
		return "", perrors.Transient(context.DeadlineExceeded)
	}
	return id, nil
}

func (m *Mock) Describe(ctx context.Context, externalID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpDescribe); err != nil {
		return nil, err
	}
	r, ok := m.byID[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	r.describes++
	if r.Status == StatusPending && r.describes >= m.bootAfter {
		r.Status = StatusRunning
	}
	st := &State{ExternalID: externalID, Status: r.Status}
	if r.Status == StatusRunning {
		st.IP = r.ip
	}
	return st, nil
}

func (m *Mock) Delete(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpDelete); err != nil {
		return err
	}
	r, ok := m.byID[externalID]
	if !ok {
		return ErrNotFound
	}
	delete(m.byKey, r.IdempotencyKey)
	delete(m.byID, externalID)
	return nil
}

func (m *Mock) List(ctx context.Context) ([]Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpList); err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(m.byID))
	for _, r := range m.byID {
		out = append(out, r.Resource)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (m *Mock) FetchCatalog(ctx context.Context) ([]catalog.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCatalog); err != nil {
		return nil, err
	}
	return append([]catalog.Item(nil), m.catalog...), nil
}
