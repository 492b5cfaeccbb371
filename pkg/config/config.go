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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 编排器配置
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Store        StoreConfig        `mapstructure:"store"`
	Bus          BusConfig          `mapstructure:"bus"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Scaling      ScalingConfig      `mapstructure:"scaling"`
	WorkerAuth   WorkerAuthConfig   `mapstructure:"worker_auth"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
	API          APIConfig          `mapstructure:"api"`
	Log          LogConfig          `mapstructure:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
}

// OrchestratorConfig 进程身份
type OrchestratorConfig struct {
	// ID 用作 claim owner，空则使用 hostname-pid
	ID string `mapstructure:"id"`
	// InitialCatalogSyncDelay 启动后首次目录同步延迟，如 "5s"；"0" 关闭
	InitialCatalogSyncDelay string `mapstructure:"initial_catalog_sync_delay"`
}

// StoreConfig 实例存储
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres | badger
	DSN  string `mapstructure:"dsn"`
	Path string `mapstructure:"path"` // badger 数据目录
}

// BusConfig 命令总线
type BusConfig struct {
	Type          string `mapstructure:"type"` // memory | redis | nats
	URL           string `mapstructure:"url"`
	Channel       string `mapstructure:"channel"`
	FinOpsChannel string `mapstructure:"finops_channel"`
}

// ProviderConfig 云厂商适配器
type ProviderConfig struct {
	Type           string          `mapstructure:"type"` // mock | rest
	Code           string          `mapstructure:"code"`
	BaseURL        string          `mapstructure:"base_url"`
	CredentialsRef string          `mapstructure:"credentials_ref"`
	Image          string          `mapstructure:"image"`
	CallTimeout    string          `mapstructure:"call_timeout"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Mock           MockConfig      `mapstructure:"mock"`
}

// RateLimitConfig provider 调用限流
type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

// MockConfig mock provider 行为
type MockConfig struct {
	// BootAfter Describe 调用次数达到该值后报告 running
	BootAfter int      `mapstructure:"boot_after"`
	Zones     []string `mapstructure:"zones"`
}

// JobsConfig 各后台 Job 配置
type JobsConfig struct {
	// ClaimTTL 短于单步最坏耗时（重试 × 调用超时 + 退避）时按后者放大
	ClaimTTL     string        `mapstructure:"claim_ttl"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
	Provisioning LoopConfig    `mapstructure:"provisioning"`
	HealthCheck  HealthConfig  `mapstructure:"health_check"`
	Watchdog     LoopConfig    `mapstructure:"watchdog"`
	Terminator   LoopConfig    `mapstructure:"terminator"`
	// TerminateRequests 推进已落库但尚未进入 terminating 的终止意图
	TerminateRequests LoopConfig `mapstructure:"terminate_requests"`
}

// BackoffConfig 瞬时错误退避
type BackoffConfig struct {
	Initial     string `mapstructure:"initial"`
	Max         string `mapstructure:"max"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// LoopConfig 单个扫描循环
type LoopConfig struct {
	Enabled   *bool  `mapstructure:"enabled"`
	Interval  string `mapstructure:"interval"`
	Threshold string `mapstructure:"threshold"`
	BatchSize int    `mapstructure:"batch_size"`
}

// HealthConfig 健康检查循环，额外包含启动超时 T_boot
type HealthConfig struct {
	LoopConfig  `mapstructure:",squash"`
	BootTimeout string `mapstructure:"boot_timeout"`
}

// ScalingConfig 扩缩容引擎；目标数量由外部策略写入 pools
type ScalingConfig struct {
	Enabled  *bool        `mapstructure:"enabled"`
	Interval string       `mapstructure:"interval"`
	Pools    []PoolConfig `mapstructure:"pools"`
}

// PoolConfig 一个实例池
type PoolConfig struct {
	Name         string `mapstructure:"name"`
	Zone         string `mapstructure:"zone"`
	InstanceType string `mapstructure:"instance_type"`
	Desired      int    `mapstructure:"desired"`
}

// WorkerAuthConfig worker token
type WorkerAuthConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`
	TokenTTL string `mapstructure:"token_ttl"`
}

// SecretsConfig 凭据解析
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // vault | env | memory
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// APIConfig 管理面 HTTP / gRPC
type APIConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// LoadConfig 加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// LoadOrchestratorConfig 读取 CONFIG_PATH，缺省 configs/orchestrator.yaml
func LoadOrchestratorConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/orchestrator.yaml"
	}
	return LoadConfig(path)
}

// replaceEnvVars 替换 ${VAR} 形式的敏感字段
func replaceEnvVars(config *Config) {
	for _, p := range []*string{
		&config.Store.DSN,
		&config.Bus.URL,
		&config.WorkerAuth.DSN,
		&config.Secrets.Vault.Token,
		&config.Secrets.Vault.Address,
	} {
		*p = expandEnv(*p)
	}
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
		return val
	}
	return s
}

// ParseDuration 解析 "30s" 形式的时长；空或非法时返回 def
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// IsEnabled 未配置视为启用
func IsEnabled(b *bool) bool {
	return b == nil || *b
}
