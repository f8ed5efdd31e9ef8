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

import "testing"

type fakeIso struct {
	entered map[int]int
}

func newFakeIso() *fakeIso { return &fakeIso{entered: make(map[int]int)} }

func (f *fakeIso) Enter(hartID, eid int) error {
	f.entered[hartID] = eid
	return nil
}

func (f *fakeIso) Leave(hartID int) error {
	delete(f.entered, hartID)
	return nil
}

func (f *fakeIso) Confirm(hartID int) bool {
	_, ok := f.entered[hartID]
	return ok
}

func TestWorldStateEnterExit(t *testing.T) {
	w := NewWorldState(newFakeIso())
	if w.CheckInEnclaveWorld(0) {
		t.Fatalf("hart 0 should not start in enclave world")
	}
	if err := w.Enter(0, 7); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !w.CheckInEnclaveWorld(0) {
		t.Fatalf("hart 0 should be in enclave world after Enter")
	}
	if err := w.CheckAuthentication(0, 7); err != nil {
		t.Fatalf("CheckAuthentication(0,7): %v", err)
	}
	if err := w.CheckAuthentication(0, 8); err != ErrWrongEnclave {
		t.Fatalf("CheckAuthentication(0,8): err = %v, want ErrWrongEnclave", err)
	}
	if err := w.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if w.CheckInEnclaveWorld(0) {
		t.Fatalf("hart 0 should not be in enclave world after Exit")
	}
}

func TestWorldStateDoubleEnterRejected(t *testing.T) {
	w := NewWorldState(newFakeIso())
	if err := w.Enter(0, 1); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := w.Enter(0, 2); err != ErrAlreadyInEnclaveWorld {
		t.Fatalf("second Enter: err = %v, want ErrAlreadyInEnclaveWorld", err)
	}
}

func TestWorldStateExitWithoutEnter(t *testing.T) {
	w := NewWorldState(newFakeIso())
	if err := w.Exit(0); err != ErrNotInEnclaveWorld {
		t.Fatalf("Exit without Enter: err = %v, want ErrNotInEnclaveWorld", err)
	}
}

func TestWorldStateIndependentHarts(t *testing.T) {
	w := NewWorldState(newFakeIso())
	if err := w.Enter(0, 1); err != nil {
		t.Fatalf("Enter(0,1): %v", err)
	}
	if err := w.Enter(1, 2); err != nil {
		t.Fatalf("Enter(1,2): %v", err)
	}
	eid0, _ := w.CurrentEID(0)
	eid1, _ := w.CurrentEID(1)
	if eid0 != 1 || eid1 != 2 {
		t.Fatalf("eid0=%d eid1=%d, want 1,2", eid0, eid1)
	}
}
