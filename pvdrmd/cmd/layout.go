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
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"unsafe"

	"github.com/google/subcommands"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
	"github.com/chisuhua/pvdrm/pvdrmd/cmd/util"
	"github.com/chisuhua/pvdrm/pvdrmd/config"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	output string
}

// Field describes one field of the shared page.
type Field struct {
	Name   string `json:"name"`
	Offset uintptr `json:"offset"`
	Size   uintptr `json:"size"`
}

// PageLayout describes the shared page as seen by a pool of a given size.
type PageLayout struct {
	PageSize  int     `json:"page_size"`
	Used      uintptr `json:"used"`
	Slots     int     `json:"slots"`
	MaxSlots  int     `json:"max_slots"`
	SlotBytes uintptr `json:"slot_bytes"`
	Fields    []Field `json:"fields"`
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "Print the layout of the shared request page."
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [options] - Print the layout of the shared request page.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.output, "o", "table", "Output format (table, json).")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	pl := pageLayout(conf.Slots)

	var err error
	switch l.output {
	case "table":
		err = writeLayoutTable(os.Stdout, pl)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(pl)
	default:
		return util.Errorf("unsupported output format %q", l.output)
	}
	if err != nil {
		return util.Errorf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}

func pageLayout(slots int) PageLayout {
	var (
		r pvdrm.SharedRegion
		s pvdrm.Slot
	)
	fields := []Field{
		{"count", unsafe.Offsetof(r.Count), unsafe.Sizeof(r.Count)},
		{"nslots", unsafe.Offsetof(r.NSlots), unsafe.Sizeof(r.NSlots)},
	}
	slotFields := []Field{
		{"id", unsafe.Offsetof(s.ID), unsafe.Sizeof(s.ID)},
		{"code", unsafe.Offsetof(s.Code), unsafe.Sizeof(s.Code)},
		{"fence", unsafe.Offsetof(s.Fence), unsafe.Sizeof(s.Fence)},
		{"ret", unsafe.Offsetof(s.Ret), unsafe.Sizeof(s.Ret)},
		{"op", unsafe.Offsetof(s.Op), unsafe.Sizeof(s.Op)},
		{"handle", unsafe.Offsetof(s.Handle), unsafe.Sizeof(s.Handle)},
		{"payload", unsafe.Offsetof(s.Payload), unsafe.Sizeof(s.Payload)},
	}
	for i := 0; i < slots; i++ {
		base := unsafe.Offsetof(r.Slots) + uintptr(i)*unsafe.Sizeof(s)
		for _, sf := range slotFields {
			fields = append(fields, Field{
				Name:   fmt.Sprintf("slots[%d].%s", i, sf.Name),
				Offset: base + sf.Offset,
				Size:   sf.Size,
			})
		}
	}
	for i := 0; i < slots; i++ {
		fields = append(fields, Field{
			Name:   fmt.Sprintf("ring[%d]", i),
			Offset: unsafe.Offsetof(r.Ring) + uintptr(i)*unsafe.Sizeof(r.Ring[0]),
			Size:   unsafe.Sizeof(r.Ring[0]),
		})
	}
	return PageLayout{
		PageSize:  pvdrm.PageSize,
		Used:      unsafe.Sizeof(r),
		Slots:     slots,
		MaxSlots:  pvdrm.MaxSlots,
		SlotBytes: unsafe.Sizeof(s),
		Fields:    fields,
	}
}

func writeLayoutTable(w io.Writer, pl PageLayout) error {
	fmt.Fprintf(w, "page %d bytes, region %d bytes, %d of %d slots of %d bytes\n\n", pl.PageSize, pl.Used, pl.Slots, pl.MaxSlots, pl.SlotBytes)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tOFFSET\tSIZE")
	for _, f := range pl.Fields {
		fmt.Fprintf(tw, "%s\t%#05x\t%d\n", f.Name, f.Offset, f.Size)
	}
	return tw.Flush()
}
