// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !unix

package shmcoll

import "os"

// File-backed segments need mmap; only process-local segments work here.

func mapFile(file *os.File, size int) ([]byte, error) {
	return nil, ErrUnsupported
}

func unmapFile(mem []byte) error {
	return nil
}
