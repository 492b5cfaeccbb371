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

// Package catalog 维护 provider 可售实例规格目录（内存）。
package catalog

import (
	"sort"
	"sync"
	"time"
)

// Item 一个可售实例规格
type Item struct {
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	Zone         string  `json:"zone"`
	CostPerHour  float64 `json:"cost_per_hour"`
	CPUCount     int     `json:"cpu_count"`
	RAMGB        int     `json:"ram_gb"`
	GPUCount     int     `json:"gpu_count"`
	VRAMPerGPUGB int     `json:"vram_per_gpu_gb"`
}

func (i Item) key() string { return i.Zone + "/" + i.Code }

// Registry 按 provider 分组的目录；Replace 整体替换，读写并发安全
type Registry struct {
	mu       sync.RWMutex
	items    map[string]map[string]Item // provider -> zone/code -> item
	syncedAt map[string]time.Time
}

// NewRegistry 创建空目录
func NewRegistry() *Registry {
	return &Registry{
		items:    make(map[string]map[string]Item),
		syncedAt: make(map[string]time.Time),
	}
}

// Replace 用最新一次同步结果替换 provider 的目录
func (r *Registry) Replace(provider string, items []Item, at time.Time) {
	m := make(map[string]Item, len(items))
	for _, it := range items {
		if it.Code == "" {
			continue
		}
		m[it.key()] = it
	}
	r.mu.Lock()
	r.items[provider] = m
	r.syncedAt[provider] = at
	r.mu.Unlock()
}

// List 返回 provider 的目录，按 zone、code 排序；provider 为空时返回全部
func (r *Registry) List(provider string) []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Item
	for p, m := range r.items {
		if provider != "" && p != provider {
			continue
		}
		for _, it := range m {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Zone != out[j].Zone {
			return out[i].Zone < out[j].Zone
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Lookup 查找指定 zone 的规格
func (r *Registry) Lookup(provider, zone, code string) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[provider][zone+"/"+code]
	return it, ok
}

// SyncedAt 最近一次同步时间，未同步返回零值
func (r *Registry) SyncedAt(provider string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.syncedAt[provider]
}
