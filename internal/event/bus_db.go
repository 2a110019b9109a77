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

import (
	"context"
	"sync"
	"time"
)

const dbBusPollInterval = 500 * time.Millisecond

// dbBus 存储即总线：Publish 写 Store 后通知进程内订阅者；
// 跨进程订阅者靠定期补读 Store 追上（API 与 Worker 分进程部署时的默认后端）。
// 未持久化的 token.delta 只能到达同进程订阅者。
type dbBus struct {
	store Store
	mu    sync.Mutex
	hub   *watcherHub
	poll  time.Duration
}

// NewDBBus 创建基于 Store 轮询的事件总线
func NewDBBus(store Store) Bus {
	return &dbBus{store: store, hub: newWatcherHub(), poll: dbBusPollInterval}
}

func (b *dbBus) Publish(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	if ev.Seq != SeqEphemeral {
		if err := b.store.Append(ctx, ev); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.hub.notify(ev.RunID, ev)
	b.mu.Unlock()
	return nil
}

func (b *dbBus) Subscribe(ctx context.Context, runID string, fromSeq int) (<-chan Event, error) {
	// 先注册再 replay：注册与补读窗口之间的事件不会丢
	b.mu.Lock()
	live := b.hub.add(runID)
	b.mu.Unlock()

	out := make(chan Event, subscribeChanBuffer)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			b.hub.remove(runID, live)
			b.mu.Unlock()
		}()

		next := fromSeq
		if next < 0 {
			next = 0
		}
		// replay + 轮询补读共用：送出 store 里 >= next 的事件
		catchUp := func() (bool, error) {
			events, err := b.store.List(ctx, runID, next)
			if err != nil {
				return false, err
			}
			for _, e := range events {
				select {
				case out <- e:
				case <-ctx.Done():
					return false, ctx.Err()
				}
				next = e.Seq + 1
				if Terminal(e.Type) {
					return true, nil
				}
			}
			return false, nil
		}

		if done, err := catchUp(); done || err != nil {
			return
		}
		ticker := time.NewTicker(b.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-live:
				if ev.Seq == SeqEphemeral {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					continue
				}
				// 持久化事件按 next 去重；跳号说明有漏，走补读
				if ev.Seq < next {
					continue
				}
				if ev.Seq > next {
					if done, err := catchUp(); done || err != nil {
						return
					}
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				next = ev.Seq + 1
				if Terminal(ev.Type) {
					return
				}
			case <-ticker.C:
				if done, err := catchUp(); done || err != nil {
					return
				}
			}
		}
	}()
	return out, nil
}
