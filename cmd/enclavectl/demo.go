// Copyright 2018 The gVisor Authors.
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
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/gofrs/flock"
	"golang.org/x/time/rate"

	"github.com/riscv-sm/enclave-monitor/pkg/abi"
	"github.com/riscv-sm/enclave-monitor/pkg/hostplatform"
	"github.com/riscv-sm/enclave-monitor/pkg/monitor"
)

// demoCmd runs the monitor through one full scenario in a single process.
// It takes a flock on a lock file before touching anything, the same way
// a real monitor instance would need exclusive ownership of the physical
// hart it runs on.
type demoCmd struct {
	configPath string
	lockPath   string
	ticks      int
	tickHz     float64
}

func (*demoCmd) Name() string     { return "demo" }
func (*demoCmd) Synopsis() string { return "run a full create/run/timer/ocall/exit scenario" }
func (*demoCmd) Usage() string {
	return "demo [-config path] [-ticks N] [-tick-hz N]\n"
}

func (c *demoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file (optional)")
	f.StringVar(&c.lockPath, "lock", ".enclavectl.lock", "path to an exclusive lock file")
	f.IntVar(&c.ticks, "ticks", 3, "number of simulated timer ticks to drive")
	f.Float64Var(&c.tickHz, "tick-hz", 4, "simulated timer tick rate, in Hz")
}

func (c *demoCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	lock := flock.New(c.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: acquiring lock %s: %v\n", c.lockPath, err)
		return subcommands.ExitFailure
	}
	if !locked {
		fmt.Fprintf(os.Stderr, "enclavectl: another instance holds %s\n", c.lockPath)
		return subcommands.ExitFailure
	}
	defer lock.Unlock()

	cfg := loadConfig(c.configPath)

	plat, err := hostplatform.NewFake(cfg.ArenaSize, cfg.ArenaBase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: %v\n", err)
		return subcommands.ExitFailure
	}
	defer plat.Close()

	m, err := monitor.New(plat, cfg.SlabSize, 64, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: %v\n", err)
		return subcommands.ExitFailure
	}

	const hostPtbr = 0xC0FFEE
	eidPtr := cfg.ArenaBase + uint64(cfg.ArenaSize) - 4096

	args := abi.CreateArgs{
		RootPageTable: cfg.ArenaBase,
		PAddr:         cfg.ArenaBase,
		Size:          32 * 4096,
		EntryPoint:    cfg.ArenaBase,
		KBuffer:       cfg.ArenaBase + 16*4096,
		KBufferSize:   4096,
		FreeMem:       cfg.ArenaBase + 4*4096,
		EIDPtr:        eidPtr,
	}
	eid, err := m.Create(args, hostPtbr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: create: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("created enclave eid=%d\n", eid)

	const hartID = 0
	if err := m.Run(hartID, eid, hostPtbr); err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: run: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Println("enclave running")

	limiter := rate.NewLimiter(rate.Limit(c.tickHz), 1)
	for i := 0; i < c.ticks; i++ {
		if err := limiter.Wait(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "enclavectl: tick limiter: %v\n", err)
			return subcommands.ExitFailure
		}
		status, err := m.TimerIRQ(hartID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enclavectl: timer irq: %v\n", err)
			return subcommands.ExitFailure
		}
		fmt.Printf("tick %d: status=%s\n", i, status)
		if status == abi.StatusEnclaveTimerIRQ {
			if _, err := m.Resume(hartID, eid, hostPtbr); err != nil {
				fmt.Fprintf(os.Stderr, "enclavectl: resume: %v\n", err)
				return subcommands.ExitFailure
			}
		}
	}

	status, err := m.SysWrite(hartID, eid, 0x2A)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: sys_write: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("ocall requested: status=%s\n", status)
	fn, arg, err := m.PendingOCall(eid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: pending ocall: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("servicing ocall %s(%#x) on the host\n", fn, arg)
	time.Sleep(10 * time.Millisecond)
	if err := m.ResumeFromOCALL(hartID, eid, hostPtbr, 0); err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: resume from ocall: %v\n", err)
		return subcommands.ExitFailure
	}

	if err := m.Exit(hartID, eid); err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: exit: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Println("enclave exited")
	return subcommands.ExitSuccess
}
