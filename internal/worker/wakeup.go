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

package worker

import (
	"context"
	"time"
)

// WakeupQueue 唤醒队列：提交新 run 后 API 调用 NotifyReady，空闲 Worker 从
// Receive 立即醒来 Claim，而不是等满一个 poll_interval。单进程部署时
// API 与 Worker 共享同一实例；多进程部署依赖轮询或 redis streams 投递。
type WakeupQueue interface {
	// NotifyReady 通知有新 run 可领取
	NotifyReady(ctx context.Context, runID string) error
	// Receive 阻塞最多 timeout；有唤醒返回 (runID, true)，超时返回 ("", false)
	Receive(ctx context.Context, timeout time.Duration) (runID string, ok bool)
}

// WakeupQueueMem 内存实现：带缓冲 channel，满时丢弃（Worker 下轮轮询兜底）
type WakeupQueueMem struct {
	ch chan string
}

// NewWakeupQueueMem 创建内存唤醒队列
func NewWakeupQueueMem(bufSize int) *WakeupQueueMem {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &WakeupQueueMem{ch: make(chan string, bufSize)}
}

// NotifyReady 非阻塞发送，避免 API 路径被空闲 Worker 缺位卡住
func (q *WakeupQueueMem) NotifyReady(ctx context.Context, runID string) error {
	if runID == "" {
		return nil
	}
	select {
	case q.ch <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Receive 实现 WakeupQueue
func (q *WakeupQueueMem) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}
