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

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
)

// NewTransport 按配置创建传输
func NewTransport(ctx context.Context, cfg config.BusConfig, name string, logger *log.Logger) (Transport, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryTransport(), nil
	case "redis":
		return NewRedisTransport(ctx, cfg.URL)
	case "nats":
		return NewNatsTransport(cfg.URL, name, logger)
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", cfg.Type)
	}
}
