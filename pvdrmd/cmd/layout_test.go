// Copyright 2026 The pvdrm Authors.
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

package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
)

func TestPageLayout(t *testing.T) {
	pl := pageLayout(2)
	if pl.Used != pvdrm.RegionBytes || pl.Used > pvdrm.PageSize {
		t.Errorf("Used: got %d, want %d (page %d)", pl.Used, pvdrm.RegionBytes, pvdrm.PageSize)
	}
	if pl.SlotBytes != pvdrm.SlotBytes {
		t.Errorf("SlotBytes: got %d, want %d", pl.SlotBytes, pvdrm.SlotBytes)
	}
	byName := make(map[string]Field)
	for _, f := range pl.Fields {
		byName[f.Name] = f
	}
	ringBase := uintptr(8 + pvdrm.MaxSlots*pvdrm.SlotBytes)
	want := []Field{
		{"count", 0, 4},
		{"nslots", 4, 4},
		{"slots[0].id", 8, 4},
		{"slots[0].payload", 8 + 24, pvdrm.SlotPayloadBytes},
		{"slots[1].fence", 8 + pvdrm.SlotBytes + 8, 4},
		{"ring[0]", ringBase, 4},
		{"ring[1]", ringBase + 4, 4},
	}
	var got []Field
	for _, w := range want {
		got = append(got, byName[w.Name])
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}
	if _, ok := byName["slots[2].id"]; ok {
		t.Errorf("layout of 2 slots describes slot 2")
	}
}

func TestWriteLayoutTable(t *testing.T) {
	var buf bytes.Buffer
	if err := writeLayoutTable(&buf, pageLayout(1)); err != nil {
		t.Fatalf("writeLayoutTable(): %v", err)
	}
	out := buf.String()
	for _, s := range []string{"FIELD", "slots[0].payload", "ring[0]"} {
		if !strings.Contains(out, s) {
			t.Errorf("table output missing %q:\n%s", s, out)
		}
	}
}

func TestLoopbackCycleFunc(t *testing.T) {
	for _, op := range []string{"nop", "open", "mmap"} {
		l := &Loopback{op: op}
		if f, err := l.cycleFunc(); err != nil || f == nil {
			t.Errorf("cycleFunc() for %q: got (%v, %v)", op, f != nil, err)
		}
	}
	l := &Loopback{op: "ioctl"}
	if _, err := l.cycleFunc(); err == nil {
		t.Errorf("cycleFunc() for unknown op succeeded")
	}
}
