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
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events", len(out), n)
		}
	}
	return out
}

func TestSubscribeReplayThenLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewDBBus(NewMemoryStore())

	// 历史事件
	if err := bus.Publish(ctx, Event{RunID: "r1", Seq: 0, Type: TypeRunStarted}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, Event{RunID: "r1", Seq: 1, Type: TypeRunHeartbeat}); err != nil {
		t.Fatal(err)
	}

	ch, err := bus.Subscribe(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, ch, 2)
	if got[0].Seq != 0 || got[1].Seq != 1 {
		t.Fatalf("replay = %+v", got)
	}

	// 实时事件接续，终态关闭通道
	if err := bus.Publish(ctx, Event{RunID: "r1", Seq: 2, Type: TypeRunSucceeded}); err != nil {
		t.Fatal(err)
	}
	got = collect(t, ch, 1)
	if got[0].Seq != 2 || got[0].Type != TypeRunSucceeded {
		t.Fatalf("live event = %+v", got[0])
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel not closed after terminal event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after terminal event")
	}
}

func TestSubscribeFromSeqSkipsPrefix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewDBBus(NewMemoryStore())
	for i, typ := range []string{TypeRunStarted, TypeRunHeartbeat, TypeRunSucceeded} {
		if err := bus.Publish(ctx, Event{RunID: "r1", Seq: i, Type: typ}); err != nil {
			t.Fatal(err)
		}
	}
	ch, err := bus.Subscribe(ctx, "r1", 2)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, ch, 1)
	if got[0].Seq != 2 {
		t.Fatalf("first event seq = %d, want 2", got[0].Seq)
	}
}

func TestSubscribeNoDuplicateAcrossReplayBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewDBBus(NewMemoryStore())

	if err := bus.Publish(ctx, Event{RunID: "r1", Seq: 0, Type: TypeRunStarted}); err != nil {
		t.Fatal(err)
	}
	ch, err := bus.Subscribe(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	// 订阅后立即再发布：watcher 与 replay 都会看到 seq 0/1，输出必须去重
	if err := bus.Publish(ctx, Event{RunID: "r1", Seq: 1, Type: TypeRunSucceeded}); err != nil {
		t.Fatal(err)
	}

	var seqs []int
	for ev := range ch {
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 0 || seqs[1] != 1 {
		t.Fatalf("delivered seqs = %v, want [0 1]", seqs)
	}
}

func TestEphemeralEventsNotReplayed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()
	bus := NewDBBus(store)

	if err := bus.Publish(ctx, Event{RunID: "r1", Seq: 0, Type: TypeRunStarted}); err != nil {
		t.Fatal(err)
	}

	ch, err := bus.Subscribe(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch, 1)

	// 实时订阅者能看到 ephemeral token.delta
	if err := bus.Publish(ctx, Event{RunID: "r1", Seq: SeqEphemeral, Type: TypeTokenDelta}); err != nil {
		t.Fatal(err)
	}
	got := collect(t, ch, 1)
	if got[0].Type != TypeTokenDelta || got[0].Seq != SeqEphemeral {
		t.Fatalf("live delta = %+v", got[0])
	}

	// 但不落存储：replay 不可见，序号不受影响
	next, err := store.NextSeq(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if next != 1 {
		t.Errorf("next seq = %d, want 1", next)
	}
}

func TestGCDeletesOnlyExpiredTerminalRuns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	old := time.Now().Add(-48 * time.Hour)
	if err := store.Append(ctx, Event{RunID: "expired", Seq: 0, Type: TypeRunSucceeded, TS: old}); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, Event{RunID: "fresh", Seq: 0, Type: TypeRunStarted}); err != nil {
		t.Fatal(err)
	}

	lister := terminalRunListerFunc(func(ctx context.Context, before time.Time, limit int) ([]string, error) {
		return []string{"expired"}, nil
	})
	deleted, err := GC(ctx, lister, store, nil, GCConfig{Enable: true, MaxAge: 24 * time.Hour, BatchSize: 10})
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	events, _ := store.List(ctx, "fresh", 0)
	if len(events) != 1 {
		t.Errorf("fresh run events = %d, want 1", len(events))
	}
	events, _ = store.List(ctx, "expired", 0)
	if len(events) != 0 {
		t.Errorf("expired run events = %d, want 0", len(events))
	}
}

type terminalRunListerFunc func(ctx context.Context, before time.Time, limit int) ([]string, error)

func (f terminalRunListerFunc) ListTerminalEndedBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return f(ctx, before, limit)
}
