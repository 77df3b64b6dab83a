// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package shmcoll

// RaceEnabled is true when the race detector is active.
// Tests that simulate several processes with goroutines writing plain
// payload bytes next to atomix-ordered flags skip themselves under -race.
const RaceEnabled = true
