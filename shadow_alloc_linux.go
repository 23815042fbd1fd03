// shadow_alloc_linux.go - Large shadow array allocation via anonymous mappings

//go:build linux

package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shadow arrays above SHADOW_MMAP_THRESHOLD bytes are backed by anonymous
// mappings at a fixed high virtual address instead of ordinary Go memory,
// so a whole-RAM shadow does not sit on the garbage collector's heap.
// Huge pages are preferred; on failure the mapping is retried without
// them, and then at successively higher bases. The high-level unix.Mmap
// wrapper cannot place a mapping at an address, so this goes through the
// raw mmap syscall.
const (
	SHADOW_MMAP_THRESHOLD = 16 * 1024 * 1024
	SHADOW_MMAP_BASE      = uint64(1) << 40 // 1 TiB-aligned base
	SHADOW_MMAP_RETRIES   = 8
)

// shadowMmap places an anonymous read/write mapping of size bytes at
// addr via the raw syscall.
func shadowMmap(addr uintptr, size uintptr, extraFlags int) (uintptr, error) {
	flags := unix.MAP_ANONYMOUS | unix.MAP_PRIVATE | unix.MAP_FIXED_NOREPLACE | extraFlags
	r0, _, errno := unix.Syscall6(unix.SYS_MMAP,
		addr, size,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(flags),
		^uintptr(0), // fd -1
		0)
	if errno != 0 {
		return 0, errno
	}
	return r0, nil
}

// mapShadowArray allocates a zeroed array of n label set refs. The mapped
// result reports whether the region came from mmap; releaseShadowArray
// must be told the same, keyed on the original size.
func mapShadowArray(n uint64) (arr []LabelSetRef, mapped bool, err error) {
	size := n * uint64(unsafe.Sizeof(LabelSetRef(0)))
	if size < SHADOW_MMAP_THRESHOLD {
		return make([]LabelSetRef, n), false, nil
	}

	var base uintptr
	vaddr := SHADOW_MMAP_BASE
	for try := 0; try < SHADOW_MMAP_RETRIES; try++ {
		base, err = shadowMmap(uintptr(vaddr), uintptr(size), unix.MAP_HUGETLB)
		if err != nil {
			// Huge pages unavailable or exhausted; plain pages at
			// the same base.
			base, err = shadowMmap(uintptr(vaddr), uintptr(size), 0)
		}
		if err == nil {
			return unsafe.Slice((*LabelSetRef)(unsafe.Pointer(base)), n), true, nil
		}
		vaddr += SHADOW_MMAP_BASE
	}
	return nil, false, fmt.Errorf("taint: shadow mmap of %d bytes failed after %d bases: %w",
		size, SHADOW_MMAP_RETRIES, err)
}

// releaseShadowArray frees an array from mapShadowArray. Mixing up the
// release paths corrupts the heap silently, so the decision is keyed on
// the mapped flag recorded at allocation, never re-derived from the size.
func releaseShadowArray(arr []LabelSetRef, mapped bool) {
	if !mapped || len(arr) == 0 {
		return // ordinary memory, the collector owns it
	}
	size := uintptr(len(arr)) * unsafe.Sizeof(LabelSetRef(0))
	_, _, _ = unix.Syscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(&arr[0])), size, 0)
}
