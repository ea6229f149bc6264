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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/chisuhua/pvdrm/pkg/frontend"
	"github.com/chisuhua/pvdrm/pkg/handle"
	"github.com/chisuhua/pvdrm/pkg/hostdev"
	"github.com/chisuhua/pvdrm/pkg/loopback"
	"github.com/chisuhua/pvdrm/pvdrmd/cmd/util"
	"github.com/chisuhua/pvdrm/pvdrmd/config"
)

// Loopback implements subcommands.Command for the "loopback" command.
type Loopback struct {
	workers int
	cycles  int
	op      string
	mapLen  uint64
	rate    float64
}

// Name implements subcommands.Command.Name.
func (*Loopback) Name() string {
	return "loopback"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loopback) Synopsis() string {
	return "Run a guest driver and backend in one process and exercise the channel."
}

// Usage implements subcommands.Command.Usage.
func (*Loopback) Usage() string {
	return `loopback [options] - Connect a guest slot pool to a backend over a shared
page and two doorbells, then issue requests from concurrent workers.

Ops:
  nop     round-trip empty requests.
  open    open and close device files.
  mmap    open a device file, map and unmap it, and close it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loopback) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.workers, "workers", 8, "number of concurrent guest workers.")
	f.IntVar(&l.cycles, "cycles", 1000, "requests issued by each worker.")
	f.StringVar(&l.op, "op", "nop", "request to issue: nop, open, or mmap.")
	f.Uint64Var(&l.mapLen, "map-length", uint64(unix.Getpagesize()), "length of each mapping for op=mmap.")
	f.Float64Var(&l.rate, "rate", 0, "cycles per second across all workers; 0 means unlimited.")
}

// Execute implements subcommands.Command.Execute.
func (l *Loopback) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if l.workers < 1 || l.cycles < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cycle, err := l.cycleFunc()
	if err != nil {
		return util.Errorf("%v", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := startMetrics(ctx, conf, "loopback"); err != nil {
		return util.Errorf("starting metrics: %v", err)
	}

	table := handle.NewTable(hostdev.Device{}, conf.Device, handle.WithMaxHandles(int32(conf.MaxHandles)))
	defer table.Release()
	lb, err := loopback.New(loopback.Config{Slots: conf.Slots, Table: table})
	if err != nil {
		return util.Errorf("creating loopback: %v", err)
	}
	lb.Start(ctx)
	defer func() {
		if err := lb.Close(); err != nil {
			log.Warningf("Closing loopback: %v", err)
		}
	}()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if l.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(l.rate), 1)
	}

	drv := lb.Driver()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < l.workers; w++ {
		g.Go(func() error {
			for c := 0; c < l.cycles; c++ {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				if err := cycle(gctx, drv); err != nil {
					return fmt.Errorf("worker %d cycle %d: %w", w, c, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return util.Errorf("loopback %s: %v", l.op, err)
	}
	elapsed := time.Since(start)
	total := l.workers * l.cycles
	util.Infof("%d %s cycles over %d slots in %v (%.0f cycles/s, %d requests)",
		total, l.op, conf.Slots, elapsed, float64(total)/elapsed.Seconds(), drv.Pool().Region().Count())
	return subcommands.ExitSuccess
}

func (l *Loopback) cycleFunc() (func(context.Context, *frontend.Driver) error, error) {
	switch l.op {
	case "nop":
		return func(ctx context.Context, drv *frontend.Driver) error {
			return drv.Nop(ctx)
		}, nil
	case "open":
		return func(ctx context.Context, drv *frontend.Driver) error {
			h, err := drv.Open(ctx)
			if err != nil {
				return err
			}
			return drv.Close(ctx, h)
		}, nil
	case "mmap":
		length := l.mapLen
		return func(ctx context.Context, drv *frontend.Driver) error {
			h, err := drv.Open(ctx)
			if err != nil {
				return err
			}
			id, err := drv.Mmap(ctx, h, 0, length)
			if err == nil {
				err = drv.Munmap(ctx, h, id)
			}
			if cerr := drv.Close(ctx, h); err == nil {
				err = cerr
			}
			return err
		}, nil
	default:
		return nil, fmt.Errorf("unknown op %q, must be nop, open, or mmap", l.op)
	}
}
