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

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestSaveAndLatest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Latest(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("latest on empty: %v, want ErrNotFound", err)
	}

	for i := 0; i < 3; i++ {
		state, _ := json.Marshal(map[string]int{"step": i})
		if err := s.Save(ctx, Checkpoint{RunID: "r1", Seq: i, State: state}); err != nil {
			t.Fatalf("save seq %d: %v", i, err)
		}
	}
	if err := s.Save(ctx, Checkpoint{RunID: "r1", Seq: 1}); !errors.Is(err, ErrDuplicateSeq) {
		t.Fatalf("duplicate seq: %v, want ErrDuplicateSeq", err)
	}

	cp, err := s.Latest(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Seq != 2 {
		t.Errorf("latest seq = %d, want 2", cp.Seq)
	}
	var st map[string]int
	if err := json.Unmarshal(cp.State, &st); err != nil || st["step"] != 2 {
		t.Errorf("latest state = %s", cp.State)
	}

	next, _ := s.NextSeq(ctx, "r1")
	if next != 3 {
		t.Errorf("next seq = %d, want 3", next)
	}
}

func TestDeleteForRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Save(ctx, Checkpoint{RunID: "r1", Seq: 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, Checkpoint{RunID: "r2", Seq: 0}); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteForRuns(ctx, []string{"r1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := s.Latest(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("r1 still has checkpoints")
	}
	if _, err := s.Latest(ctx, "r2"); err != nil {
		t.Errorf("r2 checkpoints lost: %v", err)
	}
}
