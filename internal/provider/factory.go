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
	"time"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/secrets"
)

// DefaultCallTimeout 单次 provider 调用超时
const DefaultCallTimeout = 15 * time.Second

// NewFromConfig 按配置构造 Adapter（已包装 Instrumented）
func NewFromConfig(ctx context.Context, cfg config.ProviderConfig, sec secrets.Store) (*Instrumented, error) {
	var base Adapter
	switch cfg.Type {
	case "", "mock":
		m := NewMock(cfg.Code, cfg.Mock.BootAfter)
		m.SetCatalog(defaultMockCatalog(cfg.Mock.Zones))
		base = m
	case "rest":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider.base_url is required for rest provider")
		}
		var token string
		if cfg.CredentialsRef != "" {
			if sec == nil {
				return nil, fmt.Errorf("provider credentials_ref set but no secrets store configured")
			}
			t, err := sec.Get(ctx, cfg.CredentialsRef)
			if err != nil {
				return nil, fmt.Errorf("resolve provider credentials: %w", err)
			}
			token = t
		}
		code := cfg.Code
		if code == "" {
			code = "rest"
		}
		base = NewREST(code, cfg.BaseURL, token, cfg.Image)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
	timeout := config.ParseDuration(cfg.CallTimeout, DefaultCallTimeout)
	return Instrument(base, timeout, cfg.RateLimit.QPS, cfg.RateLimit.Burst), nil
}

func defaultMockCatalog(zones []string) []catalog.Item {
	if len(zones) == 0 {
		zones = []string{"mock-1"}
	}
	var items []catalog.Item
	for _, z := range zones {
		items = append(items,
			catalog.Item{Code: "GPU-L4-1", Name: "L4 x1", Zone: z, CostPerHour: 0.75, CPUCount: 8, RAMGB: 48, GPUCount: 1, VRAMPerGPUGB: 24},
			catalog.Item{Code: "GPU-H100-1", Name: "H100 x1", Zone: z, CostPerHour: 2.73, CPUCount: 24, RAMGB: 240, GPUCount: 1, VRAMPerGPUGB: 80},
		)
	}
	return items
}
