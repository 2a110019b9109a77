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
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体；API 与 Worker 共用一棵配置树
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	RunQueue   RunQueueConfig   `mapstructure:"runqueue"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	SSEKeepalive string `mapstructure:"sse_keepalive"` // 如 "15s"
	// RateLimitRPS 提交接口限流；<=0 不限流
	RateLimitRPS int `mapstructure:"rate_limit_rps"`
}

// RunQueueConfig Run 队列与 Run 存储配置
type RunQueueConfig struct {
	Backend string `mapstructure:"backend"` // memory | postgres | redis_streams
	// DSN Run/事件/快照共用的 Postgres 连接串；backend=postgres 或 redis_streams 时必填
	DSN                string  `mapstructure:"dsn"`
	RedisURL           string  `mapstructure:"redis_url"` // backend=redis_streams 时必填
	LeaseTTL           string  `mapstructure:"lease_ttl"` // 如 "30s"
	DefaultMaxAttempts int     `mapstructure:"default_max_attempts"`
	RetryBackoffBase   float64 `mapstructure:"retry_backoff_base"`
	RetryBackoffMax    string  `mapstructure:"retry_backoff_max"` // 如 "300s"
}

// EventBusConfig 事件总线配置
type EventBusConfig struct {
	Backend  string `mapstructure:"backend"`   // db | redis
	RedisURL string `mapstructure:"redis_url"` // backend=redis 时必填
	// PersistTokenDeltas false 时 token.delta 不落存储：重连的订阅者看不到历史片段
	PersistTokenDeltas bool `mapstructure:"persist_token_deltas"`
}

// CheckpointConfig 快照存储配置
type CheckpointConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // 空则复用 runqueue.dsn
}

// RunnerConfig Runner 执行参数
type RunnerConfig struct {
	RunTimeout        string `mapstructure:"run_timeout"`        // 如 "900s"
	StepTimeout       string `mapstructure:"step_timeout"`       // 如 "120s"，工具调用粒度
	HeartbeatInterval string `mapstructure:"heartbeat_interval"` // 如 "10s"
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	Concurrency             int    `mapstructure:"concurrency"`
	PollInterval            string `mapstructure:"poll_interval"`
	ReapInterval            string `mapstructure:"reap_interval"`
	GracefulShutdownTimeout string `mapstructure:"graceful_shutdown_timeout"`
}

// RetentionConfig 事件/快照保留期配置
type RetentionConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	MaxAge   string `mapstructure:"max_age"`  // 如 "168h"
	Interval string `mapstructure:"interval"` // 如 "1h"
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTelEndpoint string `mapstructure:"otel_endpoint"` // 空则不上报 trace
	OTelInsecure bool   `mapstructure:"otel_insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8088)
	v.SetDefault("api.sse_keepalive", "15s")
	v.SetDefault("runqueue.backend", "memory")
	v.SetDefault("runqueue.lease_ttl", "30s")
	v.SetDefault("runqueue.default_max_attempts", 3)
	v.SetDefault("runqueue.retry_backoff_base", 2.0)
	v.SetDefault("runqueue.retry_backoff_max", "300s")
	v.SetDefault("eventbus.backend", "db")
	v.SetDefault("eventbus.persist_token_deltas", false)
	v.SetDefault("checkpoint.type", "memory")
	v.SetDefault("runner.run_timeout", "900s")
	v.SetDefault("runner.step_timeout", "120s")
	v.SetDefault("runner.heartbeat_interval", "10s")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.reap_interval", "5s")
	v.SetDefault("worker.graceful_shutdown_timeout", "30s")
	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.max_age", "168h")
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.service_name", "agent-runtime")
}

// LoadConfig 加载配置文件；环境变量 AGENTRUN_ 前缀覆盖同名键
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AGENTRUN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &config, nil
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml，可被 AGENTRUN_CONFIG 覆盖路径）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// Duration 解析时长字符串；空串或解析失败返回 fallback
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
