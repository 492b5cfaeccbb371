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

package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
)

// vaultCacheTTL 凭据缓存时长，避免每次 provider 调用都访问 Vault
const vaultCacheTTL = 5 * time.Minute

type cachedSecret struct {
	value   string
	fetched time.Time
}

type vaultStore struct {
	client     *vault.Client
	pathPrefix string
	mu         sync.RWMutex
	cache      map[string]cachedSecret
}

// NewVaultStore 创建 Vault store（KV v2，值字段为 value 或第一个字符串字段）
func NewVaultStore(cfg config.VaultConfig) (Store, error) {
	vc := vault.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}
	return newVaultStore(client, cfg.PathPrefix), nil
}

func newVaultStore(client *vault.Client, prefix string) *vaultStore {
	if prefix == "" {
		prefix = "secret/data"
	}
	return &vaultStore{
		client:     client,
		pathPrefix: strings.TrimSuffix(prefix, "/"),
		cache:      make(map[string]cachedSecret),
	}
}

func (v *vaultStore) Get(ctx context.Context, ref string) (string, error) {
	v.mu.RLock()
	c, ok := v.cache[ref]
	v.mu.RUnlock()
	if ok && time.Since(c.fetched) < vaultCacheTTL {
		return c.value, nil
	}

	secret, err := v.client.Logical().ReadWithContext(ctx, v.pathPrefix+"/"+strings.TrimPrefix(ref, "/"))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	value, ok := extractValue(secret.Data)
	if !ok {
		return "", fmt.Errorf("%w: no string value at %s", ErrSecretNotFound, ref)
	}

	v.mu.Lock()
	v.cache[ref] = cachedSecret{value: value, fetched: time.Now()}
	v.mu.Unlock()
	return value, nil
}

// extractValue 兼容 KV v1（平铺）与 KV v2（data 嵌套）
func extractValue(data map[string]interface{}) (string, bool) {
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	if s, ok := data["value"].(string); ok {
		return s, true
	}
	for _, val := range data {
		if s, ok := val.(string); ok {
			return s, true
		}
	}
	return "", false
}
