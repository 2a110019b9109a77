// Copyright 2026 fanjia1024
// Run 事件/检查点保留期清理（GC）

package event

import (
	"context"
	"fmt"
	"time"
)

// GCConfig 保留期清理配置
type GCConfig struct {
	Enable    bool          `yaml:"enable"`
	MaxAge    time.Duration `yaml:"max_age"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// DefaultGCConfig 默认配置：关闭，7 天保留期
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Enable:    false,
		MaxAge:    7 * 24 * time.Hour,
		Interval:  time.Hour,
		BatchSize: 1000,
	}
}

// TerminalRunLister 列出可清理的 run：终态且结束时间早于 before。
// 非终态 run 永不进入清理范围。
type TerminalRunLister interface {
	ListTerminalEndedBefore(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// CheckpointPurger 按 run 批量删除检查点
type CheckpointPurger interface {
	DeleteForRuns(ctx context.Context, runIDs []string) (int64, error)
}

// GC 删除保留期外终态 run 的事件与检查点；分批直到没有过期 run
func GC(ctx context.Context, runs TerminalRunLister, events Store, checkpoints CheckpointPurger, config GCConfig) (int64, error) {
	if !config.Enable {
		return 0, nil
	}
	maxAge := config.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoff := time.Now().Add(-maxAge)

	var deleted int64
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		ids, err := runs.ListTerminalEndedBefore(ctx, cutoff, batchSize)
		if err != nil {
			return deleted, fmt.Errorf("list expired runs: %w", err)
		}
		if len(ids) == 0 {
			return deleted, nil
		}
		n, err := events.DeleteBefore(ctx, ids, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("delete expired events: %w", err)
		}
		deleted += n
		if checkpoints != nil {
			if _, err := checkpoints.DeleteForRuns(ctx, ids); err != nil {
				return deleted, fmt.Errorf("delete expired checkpoints: %w", err)
			}
		}
		// 满批但本轮没删到任何事件，说明剩余 run 已无可删内容，停止以免空转
		if len(ids) < batchSize || n == 0 {
			return deleted, nil
		}
	}
}
