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

package main

import (
	"strings"
	"testing"
)

func TestReadSSE(t *testing.T) {
	input := strings.Join([]string{
		": keepalive",
		"",
		`data: {"seq":0,"type":"run.started"}`,
		"",
		": keepalive",
		`data: {"seq":1,"type":"run.succeeded"}`,
		"",
	}, "\n")

	var got []string
	err := readSSE(strings.NewReader(input), func(data []byte) bool {
		got = append(got, string(data))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if !strings.Contains(got[0], `"seq":0`) || !strings.Contains(got[1], "run.succeeded") {
		t.Fatalf("got = %v", got)
	}
}

func TestReadSSEStopsWhenCallbackReturnsFalse(t *testing.T) {
	input := "data: first\n\ndata: second\n\n"
	var got []string
	err := readSSE(strings.NewReader(input), func(data []byte) bool {
		got = append(got, string(data))
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "first" {
		t.Fatalf("got = %v", got)
	}
}
