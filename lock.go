// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// spinLock is a test-and-test-and-set lock placed in shared memory.
// The zero value is unlocked, so a freshly truncated segment needs no
// initialization.
type spinLock struct {
	state atomix.Uint32
}

func (l *spinLock) Lock() {
	sw := spin.Wait{}
	for {
		if l.state.LoadRelaxed() == 0 && l.state.CompareAndSwapAcqRel(0, 1) {
			return
		}
		sw.Once()
	}
}

func (l *spinLock) TryLock() bool {
	return l.state.LoadRelaxed() == 0 && l.state.CompareAndSwapAcqRel(0, 1)
}

func (l *spinLock) Unlock() {
	l.state.StoreRelease(0)
}

// reset forces the lock open. Only valid when no contributor can be
// inside the critical section.
func (l *spinLock) reset() {
	l.state.StoreRelease(0)
}
