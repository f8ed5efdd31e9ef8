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
	"errors"
	"sync"

	"github.com/riscv-sm/enclave-monitor/pkg/hostplatform"
)

// ErrNotInEnclaveWorld is returned when an operation that requires the
// calling hart to currently be inside an enclave (e.g. exit_enclave,
// call_enclave) is invoked from a hart the WorldState has no record of.
var ErrNotInEnclaveWorld = errors.New("enclave: hart is not in enclave world")

// ErrAlreadyInEnclaveWorld is returned when entering a hart that
// check_in_enclave_world already shows as inside some enclave — the C
// original's defensive check before swap_from_host_to_enclave.
var ErrAlreadyInEnclaveWorld = errors.New("enclave: hart already in enclave world")

// ErrWrongEnclave is returned when an operation names an eid that doesn't
// match the eid the calling hart is actually bound to.
var ErrWrongEnclave = errors.New("enclave: hart bound to a different enclave")

// hartState is the per-hart bookkeeping the original keeps in
// cpu_state_t: whether the hart is currently inside an enclave, and
// which one.
type hartState struct {
	inEnclave bool
	eid       int
}

// WorldState tracks, for every hart, whether it is currently executing
// inside an enclave and which one. It is the software half of "world"
// tracking; HartIsolation is the hardware half, and Enter/Exit keep both
// in lockstep.
type WorldState struct {
	mu    sync.Mutex
	harts map[int]*hartState
	iso   hostplatform.HartIsolation
}

// NewWorldState returns a WorldState backed by iso.
func NewWorldState(iso hostplatform.HartIsolation) *WorldState {
	return &WorldState{harts: make(map[int]*hartState), iso: iso}
}

func (w *WorldState) stateFor(hartID int) *hartState {
	s, ok := w.harts[hartID]
	if !ok {
		s = &hartState{}
		w.harts[hartID] = s
	}
	return s
}

// Enter marks hartID as now executing inside eid and arms the platform's
// per-hart isolation, mirroring enter_enclave_world. It fails if the hart
// is already recorded as being in some enclave.
func (w *WorldState) Enter(hartID, eid int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stateFor(hartID)
	if s.inEnclave {
		return ErrAlreadyInEnclaveWorld
	}
	if err := w.iso.Enter(hartID, eid); err != nil {
		return err
	}
	s.inEnclave = true
	s.eid = eid
	return nil
}

// Exit marks hartID as back in the host world and disarms the platform's
// per-hart isolation, mirroring exit_enclave_world.
func (w *WorldState) Exit(hartID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stateFor(hartID)
	if !s.inEnclave {
		return ErrNotInEnclaveWorld
	}
	if err := w.iso.Leave(hartID); err != nil {
		return err
	}
	s.inEnclave = false
	s.eid = 0
	return nil
}

// CheckInEnclaveWorld reports whether hartID is currently inside some
// enclave, mirroring check_in_enclave_world. It also cross-checks the
// platform's own isolation record (HartIsolation.Confirm) and returns
// false if the two disagree, rather than trusting software bookkeeping
// alone.
func (w *WorldState) CheckInEnclaveWorld(hartID int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.harts[hartID]
	return ok && s.inEnclave && w.iso.Confirm(hartID)
}

// CheckAuthentication mirrors check_enclave_authentication: it verifies
// that hartID is currently inside eid specifically, not merely inside
// some enclave. Operations like exit_enclave and call_enclave that name
// "the calling enclave" route through this rather than a bare eid lookup.
func (w *WorldState) CheckAuthentication(hartID, eid int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.harts[hartID]
	if !ok || !s.inEnclave {
		return ErrNotInEnclaveWorld
	}
	if s.eid != eid || !w.iso.Confirm(hartID) {
		return ErrWrongEnclave
	}
	return nil
}

// CurrentEID returns the eid hartID is currently bound to, if any.
func (w *WorldState) CurrentEID(hartID int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.harts[hartID]
	if !ok || !s.inEnclave {
		return 0, false
	}
	return s.eid, true
}
