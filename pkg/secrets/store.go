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

// Package secrets 解析 provider 凭据引用（credentials_ref），凭据本身由外部系统持有
package secrets

import (
	"context"
	"fmt"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

// ErrSecretNotFound 引用不存在
var ErrSecretNotFound = fmt.Errorf("secret %w", perrors.ErrNotFound)

// Store 只读凭据解析接口
type Store interface {
	// Get 按引用读取凭据值
	Get(ctx context.Context, ref string) (string, error)
}

// NewStore 根据配置创建 Store；provider 为空时使用 env
func NewStore(cfg config.SecretsConfig) (Store, error) {
	switch cfg.Provider {
	case "", "env":
		return NewEnvStore(), nil
	case "memory":
		return NewMemoryStore(nil), nil
	case "vault":
		return NewVaultStore(cfg.Vault)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", cfg.Provider)
	}
}
