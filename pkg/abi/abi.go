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

// Package abi defines the wire-level shape of the supervisor-call
// boundary: the host calls one of a fixed set of entry points by number,
// and the monitor returns one of a fixed set of numeric sentinels in a0.
// pkg/enclave deals in Go errors; pkg/monitor maps those to the numbers
// defined here at its dispatch boundary.
package abi

// CallID numbers the host-visible entry points into the monitor, the way
// the original's SBI-style ecall numbers do.
type CallID uint64

const (
	CallCreate CallID = iota
	CallRun
	CallStop
	CallResume
	CallResumeFromStop
	CallResumeFromOCALL
	CallExit
	CallSysWrite
	CallTimerIRQ
	CallCall
	CallReturn
)

func (c CallID) String() string {
	switch c {
	case CallCreate:
		return "create_enclave"
	case CallRun:
		return "run_enclave"
	case CallStop:
		return "stop_enclave"
	case CallResume:
		return "resume_enclave"
	case CallResumeFromStop:
		return "resume_from_stop"
	case CallResumeFromOCALL:
		return "resume_from_ocall"
	case CallExit:
		return "exit_enclave"
	case CallSysWrite:
		return "enclave_sys_write"
	case CallTimerIRQ:
		return "do_timer_irq"
	case CallCall:
		return "call_enclave"
	case CallReturn:
		return "enclave_return"
	default:
		return "unknown_call"
	}
}

// Status is the numeric sentinel the monitor places in a0 on return to
// the host. Status 0 always means success; every other value is a
// host-visible classification of why the call didn't just succeed, never
// a raw Go error string.
type Status uint64

const (
	// StatusOK means the call completed and, where applicable, the
	// enclave is (or remains) RUNNING.
	StatusOK Status = iota
	// StatusFailure is the catch-all rejection code: bad eid, wrong
	// state, authentication failure, resource exhaustion. Host callers
	// that need to distinguish these read the monitor's log; the ABI
	// itself only promises "this did not succeed".
	StatusFailure
	// StatusEnclaveTimerIRQ means a RUNNING enclave was preempted by the
	// timer and control is returning to the host with the enclave left
	// RUNNABLE. Resume also returns it, leaving the state unchanged, for an
	// enclave that is STOPPED.
	StatusEnclaveTimerIRQ
	// StatusEnclaveOCALL means the enclave made an OCALL
	// (enclave_sys_write) and control is returning to the host with the
	// enclave left OCALLING; the OCall function ID and argument are
	// recorded on the descriptor (see Monitor.PendingOCall).
	StatusEnclaveOCALL
	// StatusEnclaveError means the enclave itself trapped in a way the
	// monitor treats as fatal (e.g. an illegal instruction while
	// RUNNING); the enclave transitions straight to DESTROYED.
	StatusEnclaveError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailure:
		return "failure"
	case StatusEnclaveTimerIRQ:
		return "timer_irq"
	case StatusEnclaveOCALL:
		return "ocall"
	case StatusEnclaveError:
		return "enclave_error"
	default:
		return "unknown_status"
	}
}

// OCallID numbers the host-call-back functions an enclave may invoke via
// call_enclave, mirroring the OCALL_SYS_WRITE/OCALL_MMAP/OCALL_UNMAP
// function IDs in the original source's call_enclave switch.
type OCallID uint64

const (
	OCallSysWrite OCallID = iota
	OCallMmap
	OCallUnmap
)

func (o OCallID) String() string {
	switch o {
	case OCallSysWrite:
		return "ocall_sys_write"
	case OCallMmap:
		return "ocall_mmap"
	case OCallUnmap:
		return "ocall_unmap"
	default:
		return "unknown_ocall"
	}
}

// CreateArgs is the argument block create_enclave marshals from host
// registers/memory, gathering the scattered a0..a3-plus-struct fields the
// original source reads out of an enclave_sbi_param_t.
type CreateArgs struct {
	// RootPageTable is the physical address of the page table the host's
	// loader already populated with the enclave's text, data, and stack.
	RootPageTable uint64
	// PAddr/Size describe the physical memory region reserved for the
	// enclave, out of which the free-page pool is carved.
	PAddr uint64
	Size  uint64
	// EntryPoint is the virtual address execution begins at on first run.
	EntryPoint uint64
	// KBuffer/KBufferSize describe the shared host<->enclave argument
	// buffer mapped into the enclave's address space at a fixed vaddr.
	KBuffer     uint64
	KBufferSize uint64
	// FreeMem is the low-water physical address (inclusive) the
	// free-page pool is carved down to. It must fall within
	// [PAddr, PAddr+Size) and be page-aligned, or Create rejects the
	// request.
	FreeMem uint64
	// UntrustedPtr/UntrustedSize describe a host-owned buffer handed to
	// the enclave as regs[12]/regs[13] on its first Run.
	UntrustedPtr  uint64
	UntrustedSize uint64
	// OCallFuncIDPtr/OCallArg0Ptr/OCallArg1Ptr/OCallSyscallNumPtr are
	// host addresses gathered from the original's ecall_arg0..3. The
	// enclave's OCALL path writes the OCall function ID to OCallFuncIDPtr;
	// the other three are recorded but not written.
	OCallFuncIDPtr     uint64
	OCallArg0Ptr       uint64
	OCallArg1Ptr       uint64
	OCallSyscallNumPtr uint64
	// EIDPtr is the host pointer the assigned eid is written back to once
	// creation fully succeeds — written only after the lock is released
	// and only on the success path.
	EIDPtr uint64
}
