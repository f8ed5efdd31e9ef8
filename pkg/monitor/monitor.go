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

// Package monitor wires pkg/enclave's registry, world state, and switch
// engine into the host-call dispatch surface, translating between abi's
// numeric wire types and enclave's Go errors at the boundary and nowhere
// else.
package monitor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/riscv-sm/enclave-monitor/internal/obslog"
	"github.com/riscv-sm/enclave-monitor/pkg/abi"
	"github.com/riscv-sm/enclave-monitor/pkg/csr"
	"github.com/riscv-sm/enclave-monitor/pkg/enclave"
	"github.com/riscv-sm/enclave-monitor/pkg/hostplatform"
)

// Monitor is the top-level object a host embeds to get an enclave
// supervisor. Every exported method corresponds to one host-call entry
// point.
type Monitor struct {
	reg   *enclave.Registry
	world *enclave.WorldState
	swap  *enclave.SwitchEngine
	plat  hostplatform.Platform
	log   *logrus.Logger

	hartsMu sync.Mutex
	harts   map[int]*enclave.Hart
}

// New builds a Monitor over plat, backing the registry's descriptor slabs
// with a PageAllocator of capacity maxEnclaves and logging at the given
// logrus level.
func New(plat hostplatform.Platform, slabSize, maxEnclaves int, logLevel string) (*Monitor, error) {
	alloc := hostplatform.NewPageAllocator[enclave.Descriptor](maxEnclaves)
	reg, err := enclave.NewRegistry(alloc, slabSize)
	if err != nil {
		return nil, fmt.Errorf("monitor: new registry: %w", err)
	}
	world := enclave.NewWorldState(plat)
	return &Monitor{
		reg:   reg,
		world: world,
		swap:  enclave.NewSwitchEngine(plat, world),
		plat:  plat,
		log:   obslog.New(logLevel),
		harts: make(map[int]*enclave.Hart),
	}, nil
}

func (m *Monitor) hart(hartID int) *enclave.Hart {
	m.hartsMu.Lock()
	defer m.hartsMu.Unlock()
	h, ok := m.harts[hartID]
	if !ok {
		h = &enclave.Hart{ID: hartID}
		m.harts[hartID] = h
	}
	return h
}

// Create implements create_enclave: it validates and builds a Fresh
// Descriptor, installs it in the registry, maps the kbuffer into the
// enclave's page table, and — only after the registry lock has already
// been released by Alloc — writes the assigned eid back to the host's
// EIDPtr. This ordering fixes the original's bug of writing eid_ptr
// before the lock was released.
func (m *Monitor) Create(args abi.CreateArgs, hostPtbr uint64) (int, error) {
	eid, err := m.reg.Alloc(func(eid int) (*enclave.Descriptor, error) {
		d, err := enclave.NewDescriptor(eid, enclave.CreateParams{
			RootPT:          args.RootPageTable,
			PAddr:           args.PAddr,
			Size:            args.Size,
			EntryPoint:      args.EntryPoint,
			KBuffer:         args.KBuffer,
			KBufferSize:     args.KBufferSize,
			FreeMem:         args.FreeMem,
			UntrustedPtr:    args.UntrustedPtr,
			UntrustedSize:   args.UntrustedSize,
			OCallFuncID:     hostplatform.HostPtr(args.OCallFuncIDPtr),
			OCallArg0:       hostplatform.HostPtr(args.OCallArg0Ptr),
			OCallArg1:       hostplatform.HostPtr(args.OCallArg1Ptr),
			OCallSyscallNum: hostplatform.HostPtr(args.OCallSyscallNumPtr),
		}, hostPtbr, m.plat)
		if err != nil {
			return nil, err
		}
		d.EIDPtr = hostplatform.HostPtr(args.EIDPtr)
		if err := m.plat.Mmap(args.RootPageTable, kbufferVAddr, args.KBuffer, args.KBufferSize); err != nil {
			return nil, fmt.Errorf("monitor: map kbuffer: %w", err)
		}
		d.KBufferVAddr = kbufferVAddr
		return d, nil
	})
	if err != nil {
		obslog.Printm(m.log, "create_enclave failed", logrus.Fields{"err": err})
		return 0, err
	}

	if args.EIDPtr != 0 {
		if err := m.plat.WriteDWord(hostplatform.HostPtr(args.EIDPtr), uint64(eid)); err != nil {
			obslog.Printm(m.log, "create_enclave: eid_ptr write failed", logrus.Fields{"eid": eid, "err": err})
			return eid, err
		}
	}
	obslog.Printm(m.log, "create_enclave ok", logrus.Fields{"eid": eid})
	return eid, nil
}

// kbufferVAddr is the fixed virtual address the shared argument buffer is
// mapped at inside every enclave's address space.
const kbufferVAddr = 0x0000003ffffff000

// Run implements run_enclave: an enclave's first entry, Fresh->Running,
// with the enclave's saved program counter set to its entry point.
func (m *Monitor) Run(hartID, eid int, hostPtbr uint64) error {
	h := m.hart(hartID)
	return m.reg.With(eid, hostPtbr, true, func(d *enclave.Descriptor) error {
		if err := requireAndSet(d, enclave.Running); err != nil {
			return err
		}
		d.Ctx.PrevState.Mepc = d.EntryPoint
		// Pass parameters the way run_enclave does: regs[11]=entry_point,
		// regs[12]=untrusted_ptr, regs[13]=untrusted_size.
		d.Ctx.PrevGPRs[csr.RegA1] = d.EntryPoint
		d.Ctx.PrevGPRs[csr.RegA2] = d.UntrustedPtr
		d.Ctx.PrevGPRs[csr.RegA3] = d.UntrustedSize
		if err := m.swap.ToEnclave(h, d); err != nil {
			d.State = enclave.Fresh
			return err
		}
		return nil
	})
}

// Resume implements resume_enclave: resuming a Runnable enclave (one a
// timer preempted) on some hart, not necessarily the one it last ran on.
// Calling Resume on an enclave that is Stopped (rather than Runnable) is
// not an error: it returns StatusEnclaveTimerIRQ and leaves the
// descriptor's state untouched, since a Stopped enclave must go through
// ResumeFromStop first.
func (m *Monitor) Resume(hartID, eid int, hostPtbr uint64) (abi.Status, error) {
	h := m.hart(hartID)
	stopped := false
	err := m.reg.With(eid, hostPtbr, true, func(d *enclave.Descriptor) error {
		if d.State == enclave.Stopped {
			stopped = true
			return nil
		}
		if err := requireAndSet(d, enclave.Running); err != nil {
			return err
		}
		if err := m.swap.ToEnclave(h, d); err != nil {
			d.State = enclave.Runnable
			return err
		}
		return nil
	})
	if err != nil {
		return abi.StatusFailure, err
	}
	if stopped {
		return abi.StatusEnclaveTimerIRQ, nil
	}
	return abi.StatusOK, nil
}

// ResumeFromStop implements resume_from_stop: moving an enclave the host
// explicitly stopped via Stop back to Runnable, with no context swap —
// the enclave only actually resumes execution on a later Resume.
func (m *Monitor) ResumeFromStop(hartID, eid int, hostPtbr uint64) error {
	return m.reg.With(eid, hostPtbr, true, func(d *enclave.Descriptor) error {
		return requireAndSet(d, enclave.Runnable)
	})
}

// ResumeFromOCALL implements resume_from_ocall: resuming an enclave after
// the host has serviced its pending OCall, delivering retval as the
// OCall's return value in a0.
func (m *Monitor) ResumeFromOCALL(hartID, eid int, hostPtbr uint64, retval uint64) error {
	h := m.hart(hartID)
	return m.reg.With(eid, hostPtbr, true, func(d *enclave.Descriptor) error {
		if err := requireAndSet(d, enclave.Running); err != nil {
			return err
		}
		d.Ctx.PrevGPRs[csr.RegA0] = retval
		if err := m.swap.ToEnclave(h, d); err != nil {
			d.State = enclave.Ocalling
			return err
		}
		return nil
	})
}

// Stop implements stop_enclave: the host marking an already-preempted
// (Runnable) enclave Stopped. No hart is executing the enclave at this
// point (it isn't RUNNING, so there's no context to swap out), and
// Stop never touches per-hart world state — unlike Exit or SysWrite,
// this is a host call, not one the enclave makes about itself.
func (m *Monitor) Stop(hartID, eid int, hostPtbr uint64) error {
	return m.reg.With(eid, hostPtbr, true, func(d *enclave.Descriptor) error {
		return requireAndSet(d, enclave.Stopped)
	})
}

// TimerIRQ implements do_timer_irq: a timer interrupt arriving on hartID.
// If the hart is currently running some enclave, that enclave is
// preempted (Running->Runnable) and control returns to the host with
// abi.StatusEnclaveTimerIRQ; otherwise the interrupt is the host's own
// and TimerIRQ is a no-op returning abi.StatusOK.
func (m *Monitor) TimerIRQ(hartID int) (abi.Status, error) {
	eid, ok := m.world.CurrentEID(hartID)
	if !ok {
		return abi.StatusOK, nil
	}
	h := m.hart(hartID)
	err := m.reg.With(eid, 0, false, func(d *enclave.Descriptor) error {
		if err := requireAndSet(d, enclave.Runnable); err != nil {
			return err
		}
		return m.swap.ToHost(h, d)
	})
	if err != nil {
		return abi.StatusFailure, err
	}
	return abi.StatusEnclaveTimerIRQ, nil
}

// Exit implements exit_enclave: the enclave itself (authenticated via
// CheckAuthentication, not a host-supplied PTBR — the host doesn't call
// this, the enclave does) requests termination, carrying its final a0 as
// retval. The descriptor transitions straight to Destroyed and its slot
// is scrubbed and freed.
func (m *Monitor) Exit(hartID, eid int) error {
	h := m.hart(hartID)
	var retval uint64
	var paddr, size uint64
	err := m.reg.With(eid, 0, false, func(d *enclave.Descriptor) error {
		if err := m.world.CheckAuthentication(hartID, eid); err != nil {
			return err
		}
		retval = h.Live.GPRs[csr.RegA0]
		if err := requireAndSet(d, enclave.Destroyed); err != nil {
			return err
		}
		if err := m.swap.ToHost(h, d); err != nil {
			return err
		}
		paddr, size = d.PAddr, d.Size
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.plat.Scrub(paddr, size); err != nil {
		return fmt.Errorf("monitor: scrub enclave memory: %w", err)
	}
	if err := m.reg.Free(eid); err != nil {
		return err
	}
	obslog.Printm(m.log, "exit_enclave ok", logrus.Fields{"eid": eid, "retval": retval})
	return nil
}

// SysWrite implements enclave_sys_write: the enclave's own debug-print
// OCALL entry point. It authenticates the calling hart, requires the
// enclave be Running, records the request as the pending OCall (which
// PendingOCall surfaces to the host) and mirrors OCALL_SYS_WRITE into the
// enclave's host-supplied ocall_func_id pointer the way
// copy_dword_to_host does, swaps the enclave out to the host, and leaves
// it Ocalling — exactly the Running->Ocalling/swap/StatusEnclaveOCALL
// sequence the original performs, unlike call_enclave below.
func (m *Monitor) SysWrite(hartID, eid int, arg uint64) (abi.Status, error) {
	h := m.hart(hartID)
	var ocallFuncID hostplatform.HostPtr
	err := m.reg.With(eid, 0, false, func(d *enclave.Descriptor) error {
		if err := m.world.CheckAuthentication(hartID, eid); err != nil {
			return err
		}
		if err := requireAndSet(d, enclave.Ocalling); err != nil {
			return err
		}
		d.OCall.Func = uint64(abi.OCallSysWrite)
		d.OCall.Arg = arg
		ocallFuncID = d.OCallFuncID
		return m.swap.ToHost(h, d)
	})
	if err != nil {
		return abi.StatusFailure, err
	}
	if ocallFuncID != 0 {
		if err := m.plat.WriteDWord(ocallFuncID, uint64(abi.OCallSysWrite)); err != nil {
			return abi.StatusFailure, fmt.Errorf("monitor: write ocall_func_id: %w", err)
		}
	}
	return abi.StatusEnclaveOCALL, nil
}

// Call implements call_enclave, the reserved start of an inter-enclave
// call chain: the calling enclave (authenticated via CheckAuthentication)
// establishes a one-hop link to calleeEID. Neither side may already be
// linked — at most one caller and one callee per enclave, per the
// invariant that CallerEID/CurCalleeEID are NoEID exactly when absent.
// The original call_enclave only logs and returns success; this keeps
// that stub nature and adds just the precondition/link bookkeeping
// needed to make the chain fields testable. arg is accepted for
// signature symmetry with Return (callee retrieves it, if it ever needs
// to, via its own bookkeeping) but the monitor does not interpret it
// further.
func (m *Monitor) Call(hartID, eid, calleeEID int, arg uint64) (abi.Status, error) {
	err := m.reg.WithPair(eid, calleeEID, func(caller, callee *enclave.Descriptor) error {
		if err := m.world.CheckAuthentication(hartID, eid); err != nil {
			return err
		}
		if caller.CurCalleeEID != enclave.NoEID {
			return enclave.ErrAlreadyCalling
		}
		if callee.CallerEID != enclave.NoEID {
			return enclave.ErrAlreadyCalled
		}
		top := caller.TopCallerEID
		if top == enclave.NoEID {
			top = eid
		}
		caller.CurCalleeEID = calleeEID
		callee.CallerEID = eid
		callee.TopCallerEID = top
		return nil
	})
	if err != nil {
		return abi.StatusFailure, err
	}
	obslog.Printm(m.log, "call_enclave ok", logrus.Fields{"caller": eid, "callee": calleeEID, "arg": arg})
	return abi.StatusOK, nil
}

// Return implements enclave_return: the callee (authenticated) tears
// down the link Call established, handing arg back toward its caller.
// Like call_enclave, the original is a log-and-return stub; this adds
// just the teardown structure the caller/callee chain invariant requires.
func (m *Monitor) Return(hartID, eid int, arg uint64) (abi.Status, error) {
	var callerEID int
	err := m.reg.WithCaller(eid, func(callee, caller *enclave.Descriptor) error {
		if err := m.world.CheckAuthentication(hartID, eid); err != nil {
			return err
		}
		callerEID = caller.EID
		caller.CurCalleeEID = enclave.NoEID
		callee.CallerEID = enclave.NoEID
		callee.TopCallerEID = enclave.NoEID
		return nil
	})
	if err != nil {
		return abi.StatusFailure, err
	}
	obslog.Printm(m.log, "enclave_return ok", logrus.Fields{"eid": eid, "caller": callerEID, "arg": arg})
	return abi.StatusOK, nil
}

// PendingOCall returns the OCall function/arg recorded by SysWrite for
// eid, for the host to read after observing abi.StatusEnclaveOCALL.
func (m *Monitor) PendingOCall(eid int) (abi.OCallID, uint64, error) {
	d, err := m.reg.Get(eid)
	if err != nil {
		return 0, 0, err
	}
	if d.State != enclave.Ocalling {
		return 0, 0, errors.New("monitor: enclave has no pending ocall")
	}
	return abi.OCallID(d.OCall.Func), d.OCall.Arg, nil
}

// requireAndSet transitions d.State to to, returning *enclave.ErrBadTransition
// without modifying d.State if the edge isn't allowed.
func requireAndSet(d *enclave.Descriptor, to enclave.State) error {
	if err := enclave.CheckTransition(d.State, to); err != nil {
		return err
	}
	d.State = to
	return nil
}
