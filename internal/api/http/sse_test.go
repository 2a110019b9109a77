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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"agent-runtime/internal/event"
)

// 终态事件已入库时，流回放全部事件后由总线关流，请求自然结束
func TestStreamRunEventsReplaysUntilTerminal(t *testing.T) {
	s := newAPIStack(t)
	r := s.submit(t, runBody("echo"))
	ctx := context.Background()

	seed := []event.Event{
		{RunID: r.ID, Seq: 0, Type: event.TypeRunStarted, Payload: json.RawMessage(`{"agent_key":"echo","attempt":1}`)},
		{RunID: r.ID, Seq: 1, Type: "assistant.message", Payload: json.RawMessage(`{"content":"hi"}`)},
		{RunID: r.ID, Seq: 2, Type: event.TypeRunSucceeded, Payload: json.RawMessage(`{"output":{"text":"hi"}}`)},
	}
	for _, ev := range seed {
		ev.TS = time.Now()
		if err := s.bus.Publish(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	w := s.do(t, "GET", fmt.Sprintf("/api/runs/%s/events/stream", r.ID), nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("stream status = %d", got)
	}
	if ct := w.Result().Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	body := w.Result().Body()
	for _, want := range []string{"data: ", `"type":"run.started"`, `"type":"run.succeeded"`} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("stream body missing %q: %s", want, body)
		}
	}
}

func TestStreamRunEventsFromSeq(t *testing.T) {
	s := newAPIStack(t)
	r := s.submit(t, runBody("echo"))
	ctx := context.Background()
	for i, typ := range []string{event.TypeRunStarted, event.TypeRunSucceeded} {
		ev := event.Event{RunID: r.ID, Seq: i, Type: typ, Payload: json.RawMessage(`{}`), TS: time.Now()}
		if err := s.bus.Publish(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	// 断线重连语义：from_seq 跳过已消费的前缀
	w := s.do(t, "GET", fmt.Sprintf("/api/runs/%s/events/stream?from_seq=1", r.ID), nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("stream status = %d", got)
	}
	body := w.Result().Body()
	if bytes.Contains(body, []byte(`"type":"run.started"`)) {
		t.Errorf("from_seq=1 replayed seq 0: %s", body)
	}
	if !bytes.Contains(body, []byte(`"type":"run.succeeded"`)) {
		t.Errorf("from_seq=1 missing terminal event: %s", body)
	}
}

func TestStreamRunEventsNotFound(t *testing.T) {
	s := newAPIStack(t)
	w := s.do(t, "GET", "/api/runs/nope/events/stream", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("status = %d, want 404", got)
	}
}
