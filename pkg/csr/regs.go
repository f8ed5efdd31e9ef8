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

// Package csr models the slice of RISC-V privileged state that the monitor
// exchanges between host and enclave on every world switch: the
// general-purpose register file plus stvec, mie, mideleg, medeleg, mepc,
// and the PTBR/satp value.
package csr

import "fmt"

// NumGPR is the number of general-purpose registers in the RV64 frame,
// x0 (always zero) through x31.
const NumGPR = 32

// Well-known GPR indices used by the monitor when marshalling call
// arguments and return values, named the way the RISC-V calling convention
// names them.
const (
	RegSP = 2  // x2, stack pointer
	RegA0 = 10 // x10, first argument / return value
	RegA1 = 11
	RegA2 = 12
	RegA3 = 13
)

// GPRFile is the general-purpose register file saved across a world
// switch. Index 0 (x0) is present for uniformity; Swap exchanges it along
// with the other 31 entries, so callers must not rely on it holding zero
// if they've poked it directly.
type GPRFile [NumGPR]uint64

// Mip bits for the delegated interrupt classes: supervisor/machine timer,
// external, and software interrupts. Mirrors the MIP_* constants in the
// original monitor source.
const (
	MipSSIP uint64 = 1 << 1
	MipSTIP uint64 = 1 << 5
	MipMTIP uint64 = 1 << 7
	MipSEIP uint64 = 1 << 9
)

// Mstatus.MPP field values: the privilege level a trap return drops into.
const (
	MPPUser       uint64 = 0
	MPPSupervisor uint64 = 1
	MPPMachine    uint64 = 3
)

const mstatusMPPShift = 11
const mstatusMPPMask = uint64(0x3) << mstatusMPPShift

// SetMPP returns mstatus with the MPP field set to pp.
func SetMPP(mstatus, pp uint64) uint64 {
	return (mstatus &^ mstatusMPPMask) | ((pp << mstatusMPPShift) & mstatusMPPMask)
}

// MPP extracts the MPP field from mstatus.
func MPP(mstatus uint64) uint64 {
	return (mstatus & mstatusMPPMask) >> mstatusMPPShift
}

// SatpModeSV39 is the SATP MODE field value for Sv39 paging, shifted into
// place; ORed with a page-table PPN to form a full satp value.
const SatpModeSV39 uint64 = 8 << 60

// PageShift/PageSize describe the monitor's fixed page granularity.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// DefaultHeapBase is the virtual address an enclave's heap begins
// growing from, mirroring the original's ENCLAVE_DEFAULT_HEAP_BASE.
const DefaultHeapBase uint64 = 0x0000000010000000

// PTBRFromPPN builds an Sv39 satp value from a root page table's physical
// address.
func PTBRFromPPN(rootPageTablePAddr uint64) uint64 {
	return (rootPageTablePAddr >> PageShift) | SatpModeSV39
}

// PrivilegedState is the subset of machine-mode CSRs a world switch must
// save and restore, beyond the GPR file.
type PrivilegedState struct {
	Stvec   uint64
	Mie     uint64
	Mip     uint64
	Mideleg uint64
	Medeleg uint64
	Mepc    uint64
	Ptbr    uint64 // satp of the peer world
}

// ThreadContext is the snapshot buffer a world switch exchanges against
// live CPU state: it always holds the values that were live in the
// *other* world the last time Swap ran. A fresh ThreadContext (zero
// value) represents an enclave that has never run: GPRs start at zero
// and CSRs start at zero, so the first enter sees a clean register file.
type ThreadContext struct {
	PrevState PrivilegedState
	PrevGPRs  GPRFile

	// EnclPtbr is the enclave's own satp value, computed once at creation
	// from its root page table address and never swapped — it is the
	// enclave's *current* world's PTBR, not a saved peer value.
	EnclPtbr uint64
}

// LiveState is the set of CSRs and the GPR file Swap reads from and writes
// to the running CPU. A CPU abstraction supplies this so the engine is
// testable without real hardware (see enclave.Hart, which embeds one per
// hart).
type LiveState struct {
	GPRs  GPRFile
	State PrivilegedState
}

// Swap exchanges live against prev in place, symmetrically: every field's
// current live value is read, the previously-saved value is written back
// as the new live value, and the
// old live value becomes the new saved value. Calling Swap twice in a row
// with no intervening execution restores both live and prev to their
// original contents — this is the "swap symmetry" property tested in
// pkg/enclave.
func Swap(live *LiveState, prev *PrivilegedState, gprs *GPRFile) {
	live.GPRs, *gprs = *gprs, live.GPRs
	live.State.Stvec, prev.Stvec = prev.Stvec, live.State.Stvec
	live.State.Mie, prev.Mie = prev.Mie, live.State.Mie
	live.State.Mideleg, prev.Mideleg = prev.Mideleg, live.State.Mideleg
	live.State.Medeleg, prev.Medeleg = prev.Medeleg, live.State.Medeleg
	live.State.Mepc, prev.Mepc = prev.Mepc, live.State.Mepc
	// Mip is not swapped like the others: pending-interrupt bits belong
	// to whichever world is about to run, not to a saved snapshot, so
	// the caller clears the bits it wants silenced (ClearMip) rather
	// than exchanging them here.
	// Ptbr is handled by the caller (enclave.SwitchEngine), since unlike
	// the other fields it is installed via a dedicated "switch to X's page
	// table" operation rather than a bare CSR write.
}

// ClearMip clears the given bits out of live's pending-interrupt state,
// mirroring the original's "swap mie & clear mip bits" step: entering a
// new world starts with no stale pending interrupts from the previous one
// still latched.
func ClearMip(live *LiveState, bits uint64) {
	live.State.Mip &^= bits
}

func (s PrivilegedState) String() string {
	return fmt.Sprintf("{stvec:%#x mie:%#x mideleg:%#x medeleg:%#x mepc:%#x ptbr:%#x}",
		s.Stvec, s.Mie, s.Mideleg, s.Medeleg, s.Mepc, s.Ptbr)
}
