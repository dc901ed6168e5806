package embkv

import "unsafe"

func unsafeAdd(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}

func unsafeIndex(base unsafe.Pointer, offset uintptr, elemsz uintptr, n int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset + uintptr(n)*elemsz)
}

// unsafeByteSlice returns a byte slice view of base+offset[i:j], without
// copying. The caller must ensure the backing memory outlives the slice.
func unsafeByteSlice(base unsafe.Pointer, offset uintptr, i, j int) []byte {
	return (*[maxAllocSize]byte)(unsafeAdd(base, offset))[i:j:j]
}

// unsafeSlice points dst (a *[]T) at n elements starting at base.
func unsafeSlice(dst unsafe.Pointer, base unsafe.Pointer, n int) {
	(*unsafeSliceHeader)(dst).Data = base
	(*unsafeSliceHeader)(dst).Len = n
	(*unsafeSliceHeader)(dst).Cap = n
}

type unsafeSliceHeader struct {
	Data unsafe.Pointer
	Len  int
	Cap  int
}

// unsafeBucketHeader returns an unsafe.Pointer to the start of a leaf
// value's backing array, for reinterpreting it as a *bucketHeader or
// *page (inline bucket) without copying.
func unsafeBucketHeader(value []byte) unsafe.Pointer {
	return unsafe.Pointer(&value[0])
}
