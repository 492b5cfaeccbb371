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

// Package provider 抽象云厂商实例 API：创建、查询、删除、列举，并对错误做瞬时 / 永久分类。
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

// ResourceStatus provider 侧资源状态
type ResourceStatus string

const (
	StatusPending ResourceStatus = "pending"
	StatusRunning ResourceStatus = "running"
	StatusStopped ResourceStatus = "stopped"
	StatusFailed  ResourceStatus = "failed"
)

// Spec 创建参数
type Spec struct {
	Zone         string
	InstanceType string
	Image        string
	Name         string
}

// State Describe 结果
type State struct {
	ExternalID string
	Status     ResourceStatus
	IP         string
}

// Resource List 结果中的一项
type Resource struct {
	ExternalID     string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Zone           string         `json:"zone"`
	InstanceType   string         `json:"instance_type"`
	Status         ResourceStatus `json:"status"`
}

// ErrNotFound provider 侧资源不存在
var ErrNotFound = fmt.Errorf("provider resource %w", perrors.ErrNotFound)

// AlreadyExistsError 相同幂等键的资源已存在，ExternalID 为已有资源
type AlreadyExistsError struct {
	ExternalID string
}

func (e *AlreadyExistsError) Error() string {
	return "provider resource already exists: " + e.ExternalID
}

// IsNotFound 报告 err 是否表示资源不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AsAlreadyExists 提取 AlreadyExistsError
func AsAlreadyExists(err error) (*AlreadyExistsError, bool) {
	var ae *AlreadyExistsError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Adapter 云厂商实例 API。实现须并发安全；错误经 pkg/errors 分类
type Adapter interface {
	Code() string
	// Create 以 idempotencyKey 去重；重复调用不产生第二个资源
	Create(ctx context.Context, spec Spec, idempotencyKey string) (string, error)
	Describe(ctx context.Context, externalID string) (*State, error)
	Delete(ctx context.Context, externalID string) error
	List(ctx context.Context) ([]Resource, error)
}

// CatalogSource 可选能力：拉取可售规格目录
type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]catalog.Item, error)
}

// ErrCatalogUnsupported provider 不提供目录
var ErrCatalogUnsupported = perrors.Permanent(errors.New("provider does not expose a catalog"))
