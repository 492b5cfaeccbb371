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

// Package app 进程级初始化：日志、凭据、实例存储与 worker token 存储。
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/workerauth"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/secrets"
)

// Bootstrap 统一初始化结果，供 orchestrator 与 cli 复用
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Store   instance.Store
	Secrets secrets.Store
	OwnerID string
}

// NewBootstrap 根据配置创建 Bootstrap；存储不可达时返回错误，由 cmd 层终止进程
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	sec, err := secrets.NewStore(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("初始化凭据存储失败: %w", err)
	}

	store, err := NewInstanceStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化实例存储失败: %w", err)
	}
	logger.Info("instance store ready", "type", storeType(cfg.Store.Type))

	return &Bootstrap{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Secrets: sec,
		OwnerID: OwnerID(cfg.Orchestrator),
	}, nil
}

func storeType(t string) string {
	if t == "" {
		return "memory"
	}
	return t
}

// NewInstanceStore memory | postgres | badger
func NewInstanceStore(ctx context.Context, cfg config.StoreConfig) (instance.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return instance.NewMemoryStore(), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for postgres")
		}
		s, err := instance.NewPgStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		if cfg.Path == "" {
			return nil, fmt.Errorf("store.path is required for badger")
		}
		s, err := instance.NewBadgerStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// NewWorkerAuthStore memory | postgres；dsn 为空时沿用 store.dsn
func NewWorkerAuthStore(ctx context.Context, cfg config.WorkerAuthConfig, storeDSN string) (workerauth.Store, error) {
	ttl := config.ParseDuration(cfg.TokenTTL, workerauth.DefaultTTL)
	switch cfg.Type {
	case "", "memory":
		return workerauth.NewMemoryStore(ttl), nil
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = storeDSN
		}
		if dsn == "" {
			return nil, fmt.Errorf("worker_auth.dsn is required for postgres")
		}
		s, err := workerauth.NewPgStore(ctx, dsn, ttl)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported worker_auth type: %s", cfg.Type)
	}
}

// OwnerID claim 持有者标识，未配置时为 hostname-pid
func OwnerID(cfg config.OrchestratorConfig) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchestrator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
