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

package event

import "context"

const subscribeChanBuffer = 64

// Bus 事件发布/订阅。Publish 先持久化（SeqEphemeral 除外）再分发；
// Subscribe 从 fromSeq 起 replay 历史后接续实时流，终态事件送达后关闭通道。
// 订阅在 replay 与实时之间不丢、不重复持久化事件。
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, runID string, fromSeq int) (<-chan Event, error)
}

// watcherHub 进程内订阅者表；db/redis 两个 Bus 共用
type watcherHub struct {
	watchers map[string][]chan Event
}

func newWatcherHub() *watcherHub {
	return &watcherHub{watchers: make(map[string][]chan Event)}
}

// notify 调用方持锁；慢订阅者丢弃本条（持久化事件由各 Bus 的补读路径兜底）
func (h *watcherHub) notify(runID string, ev Event) {
	for _, ch := range h.watchers[runID] {
		select {
		case ch <- cloneEvent(ev):
		default:
		}
	}
}

// add 调用方持锁
func (h *watcherHub) add(runID string) chan Event {
	ch := make(chan Event, subscribeChanBuffer)
	h.watchers[runID] = append(h.watchers[runID], ch)
	return ch
}

// remove 调用方持锁
func (h *watcherHub) remove(runID string, ch chan Event) {
	chans := h.watchers[runID]
	for i, c := range chans {
		if c == ch {
			h.watchers[runID] = append(chans[:i], chans[i+1:]...)
			if len(h.watchers[runID]) == 0 {
				delete(h.watchers, runID)
			}
			return
		}
	}
}
