// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

// hypotheticCompletion does not synchronize. Every contributor overwrites
// the shared area and offset 0 publishes whenever it arrives. Results are
// only correct without contention; it exists to measure the floor.
type hypotheticCompletion struct{}

func (hypotheticCompletion) contribute(r *route, c *cell) (bool, int) {
	n := r.write(c.data, c.src, c.length)
	return !r.idNonzero, n
}

func (hypotheticCompletion) complete(*route, *cell) bool { return true }
func (hypotheticCompletion) reset(*cell)                 {}
func (hypotheticCompletion) ack(*cell)                   {}
func (hypotheticCompletion) acked(*cell) bool            { return true }
