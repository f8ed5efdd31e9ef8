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

package enclave

import (
	"fmt"

	"github.com/riscv-sm/enclave-monitor/pkg/csr"
	"github.com/riscv-sm/enclave-monitor/pkg/hostplatform"
)

// Hart is the live CPU state a SwitchEngine swaps against a Descriptor's
// saved context: the register file plus the scalar CSRs, for one specific
// hart.
type Hart struct {
	ID      int
	Live    csr.LiveState
	Mstatus uint64
}

// SwitchEngine performs host<->enclave world switches, composing csr.Swap
// (the generic CSR exchange) with the two things it deliberately leaves
// out: PTBR installation and platform memory-access control.
type SwitchEngine struct {
	access hostplatform.AccessController
	world  *WorldState
}

// NewSwitchEngine returns a SwitchEngine that grants/retrieves memory
// access via access and tracks per-hart world membership via world.
func NewSwitchEngine(access hostplatform.AccessController, world *WorldState) *SwitchEngine {
	return &SwitchEngine{access: access, world: world}
}

// ToEnclave performs swap_from_host_to_enclave: grant the enclave access
// to its own memory, exchange GPRs and the scalar CSRs, install the
// enclave's own PTBR (never swapped — see csr.Swap's comment), clear
// stale pending-interrupt bits, set mstatus.MPP to drop into user mode on
// mret, and record the hart as now inside d.EID.
func (e *SwitchEngine) ToEnclave(h *Hart, d *Descriptor) error {
	if err := e.access.Grant(d.EID, d.PAddr, d.Size); err != nil {
		return fmt.Errorf("enclave: grant access: %w", err)
	}
	if err := e.world.Enter(h.ID, d.EID); err != nil {
		_ = e.access.Retrieve(d.EID, d.PAddr, d.Size)
		return err
	}

	csr.Swap(&h.Live, &d.Ctx.PrevState, &d.Ctx.PrevGPRs)
	d.Ctx.PrevState.Ptbr, h.Live.State.Ptbr = h.Live.State.Ptbr, d.Ptbr
	csr.ClearMip(&h.Live, csr.MipMTIP|csr.MipSTIP|csr.MipSSIP|csr.MipSEIP)
	h.Mstatus = csr.SetMPP(h.Mstatus, csr.MPPUser)
	return nil
}

// ToHost performs swap_from_enclave_to_host: the exact inverse of
// ToEnclave, exchanging saved host state back into h.Live, restoring the
// host's PTBR, retrieving the platform's memory access grant, marking the
// hart back in the host world, and setting mstatus.MPP to return to
// supervisor mode in the host.
//
// Calling ToEnclave immediately followed by ToHost with no intervening
// mutation of h.Live or d.Ctx restores h.Live's GPRs, swapped CSRs and
// PTBR to their pre-ToEnclave values (swap symmetry). The pending-interrupt
// bits ToEnclave cleared stay cleared, and d.Ctx.PrevState.Ptbr keeps the
// host's satp.
func (e *SwitchEngine) ToHost(h *Hart, d *Descriptor) error {
	csr.Swap(&h.Live, &d.Ctx.PrevState, &d.Ctx.PrevGPRs)
	// d.Ctx.PrevState.Ptbr holds the host's satp, saved by the matching
	// ToEnclave; d.Ptbr (the enclave's own satp) is untouched and will be
	// reinstalled verbatim on the next ToEnclave.
	h.Live.State.Ptbr = d.Ctx.PrevState.Ptbr

	if err := e.access.Retrieve(d.EID, d.PAddr, d.Size); err != nil {
		return fmt.Errorf("enclave: retrieve access: %w", err)
	}
	if err := e.world.Exit(h.ID); err != nil {
		return err
	}
	h.Mstatus = csr.SetMPP(h.Mstatus, csr.MPPSupervisor)
	return nil
}
