// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package shmcoll

import "time"

var clockEpoch = time.Now()

func hresClock() uint64 {
	return uint64(time.Since(clockEpoch))
}
