// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

package region

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmap on Windows is a two-step process: CreateFileMapping gets a handle
// backed by the system paging file, then MapViewOfFile gets an actual
// pointer into memory. The handle is intentionally never closed: the
// region's lifetime is the process lifetime and nothing in this package
// ever unmaps it.
func mmap(size int) ([]byte, error) {
	maxSizeHigh := uint32(uint64(size) >> 32)
	maxSizeLow := uint32(uint64(size) & 0xFFFFFFFF)

	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, maxSizeHigh, maxSizeLow, nil)
	if err != nil {
		return nil, err
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return nil, err
	}

	if addr%AlignTo != 0 {
		panic("region: mmap returned a misaligned address")
	}

	var b []byte
	sh := (*struct {
		Data uintptr
		Len  int
		Cap  int
	})(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b, nil
}
