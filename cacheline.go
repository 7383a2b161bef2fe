package taskz

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// cacheLinePad separates hot atomic fields onto their own cache lines.
// The pad is sized per architecture by x/sys/cpu: 64 bytes on x86 and
// x86_64, riscv64 and loong64; 128 on arm64 and ppc64; 32 on arm and mips;
// 256 on s390x. On x86_64 it is a single 64-byte line and does not widen
// to a 128-byte line pair. The same size is the alignment the runtime
// requests for task allocations.
type cacheLinePad = cpu.CacheLinePad

// taskAlign is the alignment requested from the Allocator capability for
// task allocations.
const taskAlign = unsafe.Sizeof(cacheLinePad{})
