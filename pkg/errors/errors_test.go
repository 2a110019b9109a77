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

package errors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	base := errors.New("base")
	wrapped := Wrap(base, "context")
	if wrapped == nil {
		t.Fatal("Wrap(err, msg) should not return nil")
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if wrapped.Error() != "context: base" {
		t.Errorf("message = %q", wrapped.Error())
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "format %s", "x") != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
	base := errors.New("base")
	wrapped := Wrapf(base, "run=%s", "r1")
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if wrapped.Error() != "run=r1: base" {
		t.Errorf("message = %q", wrapped.Error())
	}
}

func TestFirst(t *testing.T) {
	if First() != nil {
		t.Error("First() should be nil")
	}
	if First(nil, nil) != nil {
		t.Error("First(nil, nil) should be nil")
	}
	a, b := errors.New("a"), errors.New("b")
	if got := First(nil, a, b); got != a {
		t.Errorf("First = %v, want a", got)
	}
}
