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

// Package orchestrator 装配编排器进程：命令总线监听、扫描 Job、扩缩容引擎与管理面。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	apigrpc "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/api/grpc"
	apihttp "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/api/http"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/api/http/middleware"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/app"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/bus"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/finops"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/jobs"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/provider"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/reconcile"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/workerauth"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/tracing"
)

// App 编排器进程
type App struct {
	boot      *app.Bootstrap
	transport bus.Transport
	provider  *provider.Instrumented
	catalog   *catalog.Registry
	workers   *workerauth.Manager
	tokens    workerauth.Store
	publisher *bus.Publisher
	service   *reconcile.Service
	listener  *bus.Listener
	scheduler *jobs.Scheduler
	router    *apihttp.Router
	hertz     *server.Hertz
	grpc      *apigrpc.Server
	tracer    *sdktrace.TracerProvider

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 由 cmd/orchestrator 调用
func NewApp(ctx context.Context, boot *app.Bootstrap) (*App, error) {
	cfg := boot.Config
	logger := boot.Logger

	transport, err := bus.NewTransport(ctx, cfg.Bus, boot.OwnerID, logger.Component("bus"))
	if err != nil {
		return nil, fmt.Errorf("初始化命令总线失败: %w", err)
	}
	p, err := provider.NewFromConfig(ctx, cfg.Provider, boot.Secrets)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("初始化 provider 失败: %w", err)
	}
	tokenStore, err := app.NewWorkerAuthStore(ctx, cfg.WorkerAuth, cfg.Store.DSN)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("初始化 worker token 存储失败: %w", err)
	}

	a := &App{
		boot:      boot,
		transport: transport,
		provider:  p,
		catalog:   catalog.NewRegistry(),
		workers:   workerauth.NewManager(tokenStore),
		tokens:    tokenStore,
		publisher: bus.NewPublisher(transport, cfg.Bus.Channel),
	}
	emitter := finops.NewEmitter(transport, cfg.Bus.FinOpsChannel, boot.OwnerID, logger.Component("finops"))
	a.service = reconcile.NewService(boot.Store, p, serviceConfig(cfg, boot.OwnerID),
		reconcile.WithTokens(a.workers),
		reconcile.WithCosts(emitter),
		reconcile.WithCatalog(a.catalog),
		reconcile.WithLogger(logger.Component("reconcile")),
	)
	a.listener = bus.NewListener(transport, cfg.Bus.Channel, a.service, logger.Component("listener"))

	loops := jobs.ReconcileLoops(cfg.Jobs, a.service)
	if config.IsEnabled(cfg.Scaling.Enabled) && len(cfg.Scaling.Pools) > 0 {
		engine := jobs.NewScalingEngine(boot.Store, jobs.StaticPoolsFromConfig(cfg.Scaling), a.publisher, p.Code(), logger.Component("scaling"))
		loops = append(loops, engine.Loop(config.ParseDuration(cfg.Scaling.Interval, 60*time.Second)))
	}
	a.scheduler = jobs.NewScheduler(boot.Store, nil, loops, jobs.WithSchedulerLogger(logger.Component("jobs")))

	handler := apihttp.NewHandler(boot.Store, a.scheduler.Board())
	handler.SetCommandSender(a.publisher)
	handler.SetCommandIntents(a.service)
	handler.SetCatalog(a.catalog)
	handler.SetWorkerAuth(a.workers)
	a.router = apihttp.NewRouter(handler, middleware.NewMiddleware(logger.Component("http")))
	a.router.SetTokenVerifier(tokenStore)
	return a, nil
}

func serviceConfig(cfg *config.Config, owner string) reconcile.Config {
	def := reconcile.DefaultConfig()
	return reconcile.Config{
		Owner:       owner,
		ClaimTTL:    config.ParseDuration(cfg.Jobs.ClaimTTL, def.ClaimTTL),
		MaxRetries:  cfg.Jobs.MaxRetries,
		BootTimeout: config.ParseDuration(cfg.Jobs.HealthCheck.BootTimeout, def.BootTimeout),
		Backoff: reconcile.BackoffConfig{
			Initial:     config.ParseDuration(cfg.Jobs.Backoff.Initial, def.Backoff.Initial),
			Max:         config.ParseDuration(cfg.Jobs.Backoff.Max, def.Backoff.Max),
			MaxAttempts: cfg.Jobs.Backoff.MaxAttempts,
		},
		CallTimeout: config.ParseDuration(cfg.Provider.CallTimeout, provider.DefaultCallTimeout),
		Image:       cfg.Provider.Image,
	}
}

// Service reconcile 服务
func (a *App) Service() *reconcile.Service { return a.service }

// Publisher 命令发布器
func (a *App) Publisher() *bus.Publisher { return a.publisher }

// Scheduler Job 调度器
func (a *App) Scheduler() *jobs.Scheduler { return a.scheduler }

// Catalog 目录
func (a *App) Catalog() *catalog.Registry { return a.catalog }

// Start 启动监听、Job、首次目录同步与管理面；api.port < 0 关闭 HTTP，grpc_port <= 0 关闭 gRPC
func (a *App) Start(ctx context.Context) error {
	cfg := a.boot.Config
	logger := a.boot.Logger
	ctx, a.cancel = context.WithCancel(ctx)

	a.setupHertzLogger()
	if cfg.Monitoring.Tracing.Enable {
		if err := a.setupTracing(); err != nil {
			logger.Warn("链路追踪初始化失败", "error", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.listener.Run(ctx); err != nil {
			logger.Error("command bus listener exited", "error", err)
		}
	}()

	a.scheduler.Start(ctx)

	if delay := config.ParseDuration(cfg.Orchestrator.InitialCatalogSyncDelay, 5*time.Second); cfg.Orchestrator.InitialCatalogSyncDelay != "0" {
		a.wg.Add(1)
		go a.initialCatalogSync(ctx, delay)
	}

	if cfg.API.GRPCPort > 0 {
		a.grpc = apigrpc.NewServer()
		if err := a.grpc.Start(cfg.API.GRPCPort); err != nil {
			return fmt.Errorf("gRPC 服务启动失败: %w", err)
		}
		a.grpc.SetServing(true)
		logger.Info("gRPC health service started", "port", cfg.API.GRPCPort)
	}

	if cfg.API.Port >= 0 {
		a.hertz = a.buildHertz()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.hertz.Run(); err != nil {
				logger.Error("http server exited", "error", err)
			}
		}()
	}
	logger.Info("orchestrator started", "owner", a.boot.OwnerID, "provider", a.provider.Code(), "loops", len(a.scheduler.Loops()))
	return nil
}

func (a *App) addr() string {
	host, port := a.boot.Config.API.Host, a.boot.Config.API.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (a *App) buildHertz() *server.Hertz {
	if a.tracer == nil {
		return a.router.Build(a.addr())
	}
	tracerOpt, cfg := hertztracing.NewServerTracer()
	h := a.router.Build(a.addr(), tracerOpt)
	h.Use(hertztracing.ServerMiddleware(cfg))
	return h
}

// setupHertzLogger Hertz 日志走 slog，与进程日志同一输出与级别
func (a *App) setupHertzLogger() {
	logger := a.boot.Logger
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(logger.Output()),
		hertzslog.WithLevel(logger.Level()),
	))
}

func (a *App) setupTracing() error {
	tc := a.boot.Config.Monitoring.Tracing
	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = "inventiv-orchestrator"
	}
	endpoint := tc.ExportEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return errors.New("no export endpoint configured")
	}
	tp, err := tracing.InitTracer(tracing.OTelConfig{ServiceName: serviceName, ExportEndpoint: endpoint, Insecure: tc.Insecure})
	if err != nil {
		return err
	}
	a.tracer = tp
	a.boot.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
	return nil
}

func (a *App) initialCatalogSync(ctx context.Context, delay time.Duration) {
	defer a.wg.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if err := a.service.HandleSyncCatalog(ctx); err != nil {
		a.boot.Logger.Warn("initial catalog sync failed", "error", err)
	}
}

// Shutdown 优雅关闭：先停管理面与 Job，再关闭总线与存储
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.grpc != nil {
		a.grpc.GracefulStop()
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.scheduler.Stop()
	a.wg.Wait()
	a.listener.Wait()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if c, ok := a.tokens.(interface{ Close() }); ok {
		c.Close()
	}
	if err := a.boot.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
