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
	"errors"
	"flag"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
	"github.com/chisuhua/pvdrm/pkg/backend"
	"github.com/chisuhua/pvdrm/pkg/doorbell"
	"github.com/chisuhua/pvdrm/pkg/handle"
	"github.com/chisuhua/pvdrm/pkg/hostdev"
	"github.com/chisuhua/pvdrm/pkg/shmem"
	"github.com/chisuhua/pvdrm/pvdrmd/cmd/util"
	"github.com/chisuhua/pvdrm/pvdrmd/config"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	grantFD    int
	doorbellFD int
	notifyFD   int
	global     bool
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "Serve a guest's requests over an inherited shared page and doorbells."
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve --grant-fd=FD --doorbell-fd=FD --notify-fd=FD - Map the guest's
shared page and service its requests until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.grantFD, "grant-fd", -1, "file descriptor of the guest's shared page.")
	f.IntVar(&s.doorbellFD, "doorbell-fd", -1, "eventfd the guest rings after posting requests.")
	f.IntVar(&s.notifyFD, "notify-fd", -1, "eventfd rung to tell the guest about completions.")
	f.BoolVar(&s.global, "global-file", false, "open the reserved global file handle at startup.")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if s.grantFD < 0 || s.doorbellFD < 0 || s.notifyFD < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := startMetrics(ctx, conf, "backend"); err != nil {
		return util.Errorf("starting metrics: %v", err)
	}

	grant := shmem.GrantRef{FD: s.grantFD}
	defer grant.Close()
	guest := doorbell.FromFD(s.notifyFD)
	defer guest.Close()
	bell := doorbell.FromFD(s.doorbellFD)
	defer bell.Close()

	table := handle.NewTable(hostdev.Device{}, conf.Device, handle.WithMaxHandles(int32(conf.MaxHandles)))
	defer table.Release()
	if s.global {
		if _, err := table.InsertFixed(pvdrm.FileGlobalHandle); err != nil {
			return util.Errorf("opening global file: %v", err)
		}
	}

	be, err := backend.New(backend.Config{Grant: grant, Table: table, Guest: guest})
	if err != nil {
		return util.Errorf("starting backend: %v", err)
	}
	defer be.Close()

	log.Infof("Serving %d slots on %s", be.Slots(), conf.Device)
	if err := be.Serve(ctx, bell); err != nil && !errors.Is(err, context.Canceled) {
		return util.Errorf("serving: %v", err)
	}
	log.Infof("Stopped serving, %d files open", table.Len())
	return subcommands.ExitSuccess
}
