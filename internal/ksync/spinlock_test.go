package ksync

import (
	"sync"
	"testing"
)

func TestSpinLockExcludes(t *testing.T) {
	var (
		lock SpinLock
		wg   sync.WaitGroup
		n    int
	)

	const workers = 8
	const rounds = 1000

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < rounds; j++ {
				lock.Lock()
				n++
				lock.Unlock()
			}
		}()
	}

	wg.Wait()

	if n != workers*rounds {
		t.Errorf("want %d increments, got %d", workers*rounds, n)
	}
}

func TestSpinLockTryLock(t *testing.T) {
	var lock SpinLock

	if !lock.TryLock() {
		t.Fatal("TryLock on a free lock failed")
	}

	if lock.TryLock() {
		t.Fatal("TryLock on a held lock succeeded")
	}

	lock.Unlock()

	if !lock.TryLock() {
		t.Fatal("TryLock after unlock failed")
	}

	lock.Unlock()
}

func TestSpinLockHeld(t *testing.T) {
	var lock SpinLock

	if lock.Held() {
		t.Error("fresh lock reports held")
	}

	lock.Lock()

	if !lock.Held() {
		t.Error("locked lock reports free")
	}

	lock.Unlock()

	if lock.Held() {
		t.Error("unlocked lock reports held")
	}
}

func TestIRQLockSaveRestore(t *testing.T) {
	var (
		lock     IRQLock
		disabled bool
	)

	savedDisable, savedRestore := IRQDisable, IRQRestore

	defer func() {
		IRQDisable, IRQRestore = savedDisable, savedRestore
	}()

	IRQDisable = func() IRQState {
		prev := disabled
		disabled = true

		return IRQState(prev)
	}
	IRQRestore = func(prev IRQState) {
		disabled = bool(prev)
	}

	state := lock.LockIRQSave()

	if !disabled {
		t.Error("interrupts enabled inside critical section")
	}

	lock.UnlockIRQRestore(state)

	if disabled {
		t.Error("interrupts still disabled after outermost restore")
	}
}
