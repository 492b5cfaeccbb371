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

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/app"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/app/orchestrator"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
)

func main() {
	// 加载配置（CONFIG_PATH，缺省 configs/orchestrator.yaml）
	cfg, err := config.LoadOrchestratorConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx := context.Background()
	boot, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化存储失败: %v", err)
	}

	a, err := orchestrator.NewApp(ctx, boot)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		log.Fatalf("启动应用失败: %v", err)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭应用失败: %v", err)
	}

	fmt.Println("编排器已关闭")
}
